package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect persisted usage events",
}

var (
	eventCustomer string
	eventLimit    int
	eventOffset   int
)

var eventGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one persisted usage event with its pricing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, err := uuid.Parse(eventCustomer)
		if err != nil {
			return fmt.Errorf("invalid --customer: %w", err)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		event, err := a.Backend.Events.GetUsageEvent(cmd.Context(), customerID, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), event)
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a customer's usage events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, err := uuid.Parse(eventCustomer)
		if err != nil {
			return fmt.Errorf("invalid --customer: %w", err)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.Backend.Events.ListUsageEvents(cmd.Context(), customerID, eventLimit, eventOffset)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventGetCmd)
	eventCmd.AddCommand(eventListCmd)

	eventCmd.PersistentFlags().StringVar(&eventCustomer, "customer", "", "customer id [REQUIRED]")
	_ = eventCmd.MarkPersistentFlagRequired("customer")

	eventListCmd.Flags().IntVar(&eventLimit, "limit", 20, "number of events to show")
	eventListCmd.Flags().IntVar(&eventOffset, "offset", 0, "number of events to skip")
}
