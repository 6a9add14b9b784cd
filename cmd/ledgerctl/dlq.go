package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmonetize/openmonetize-sub001/internal/deadletter"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered usage events",
}

var (
	dlqOffset int
	dlqLimit  int
	dlqAll    bool
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.Manager.Counts(cmd.Context())
		if err != nil {
			return err
		}
		items, err := a.Manager.List(cmd.Context(), dlqOffset, dlqLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"counts": counts,
			"items":  items,
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [job-id...]",
	Short: "Move dead-lettered jobs back onto the queue",
	Long: `Replay re-enqueues dead-lettered jobs under their original ids with a
fresh attempt budget. Pass job ids (customer_id:event_id) or --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqAll == (len(args) > 0) {
			return errors.New("pass job ids or --all, not both")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var result deadletter.ReplayResult
		if dlqAll {
			result, err = a.Manager.ReplayAll(cmd.Context())
		} else {
			result, err = a.Manager.Replay(cmd.Context(), args)
		}
		if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
			return printErr
		}
		return err
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Evict dead-lettered jobs beyond the configured retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		purged, err := a.Manager.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead-letter items\n", purged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)

	dlqListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "items to skip")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "items to show")
	dlqReplayCmd.Flags().BoolVar(&dlqAll, "all", false, "replay every dead-lettered job")
}
