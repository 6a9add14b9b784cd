package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Backend.DB == nil {
			return errors.New("migrate requires STORAGE_DRIVER=postgres")
		}
		if err := a.Backend.DB.Migrate(cmd.Context()); err != nil {
			return err
		}
		version, err := a.Backend.DB.MigrationVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

var burnTableCmd = &cobra.Command{
	Use:   "burn-table",
	Short: "Manage credit burn tables",
}

var (
	burnCustomer  string
	burnFile      string
	burnValidFrom string
)

var burnTablePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new burn table version",
	Long: `Publish a new burn table version from a JSON rules file:

  {"gpt-4o": {"input_rate": "5", "output_rate": "10", "per_unit": 1000}}

Without --customer the table is the global default. The previous active
version of the same scope is closed at --valid-from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, err := optionalUUID(burnCustomer)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(burnFile)
		if err != nil {
			return fmt.Errorf("failed to read rules file: %w", err)
		}
		var rules models.BurnRules
		if err := json.Unmarshal(raw, &rules); err != nil {
			return fmt.Errorf("failed to parse rules file: %w", err)
		}
		if err := rules.Validate(); err != nil {
			return err
		}

		var validFrom time.Time
		if burnValidFrom != "" {
			validFrom, err = time.Parse(time.RFC3339, burnValidFrom)
			if err != nil {
				return fmt.Errorf("invalid --valid-from: %w", err)
			}
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		table, err := a.Backend.Catalog.PublishBurnTable(cmd.Context(), customerID, rules, validFrom)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), table)
	},
}

var burnTableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List burn table versions for a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		customerID, err := optionalUUID(burnCustomer)
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		tables, err := a.Backend.Catalog.ListBurnTables(cmd.Context(), customerID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), tables)
	},
}

var providerCostCmd = &cobra.Command{
	Use:   "provider-cost",
	Short: "Manage upstream provider costs",
}

var (
	costProvider  string
	costModel     string
	costType      string
	costPerUnit   string
	costUnitSize  int64
	costValidFrom string
)

var providerCostAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a provider cost entry",
	Long: `Add a USD provider cost. The entry closes the currently open entry for
the same provider, model and cost type.

  ledgerctl provider-cost add --provider openai --model gpt-4o --type input --cost 2.50 --unit-size 1000000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		perUnit, err := decimal.NewFromString(costPerUnit)
		if err != nil {
			return fmt.Errorf("invalid --cost: %w", err)
		}
		if perUnit.IsNegative() {
			return errors.New("--cost must not be negative")
		}
		if costUnitSize <= 0 {
			return errors.New("--unit-size must be positive")
		}

		cost := &models.ProviderCost{
			Provider:    costProvider,
			Model:       costModel,
			CostType:    models.CostType(costType),
			CostPerUnit: perUnit,
			UnitSize:    costUnitSize,
			Currency:    "USD",
		}
		if costValidFrom != "" {
			cost.ValidFrom, err = time.Parse(time.RFC3339, costValidFrom)
			if err != nil {
				return fmt.Errorf("invalid --valid-from: %w", err)
			}
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backend.Catalog.AddProviderCost(cmd.Context(), cost); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), cost)
	},
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid customer id: %w", err)
	}
	return &id, nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(burnTableCmd)
	burnTableCmd.AddCommand(burnTablePublishCmd)
	burnTableCmd.AddCommand(burnTableListCmd)
	burnTableCmd.PersistentFlags().StringVar(&burnCustomer, "customer", "", "customer id (empty for the global table)")
	burnTablePublishCmd.Flags().StringVarP(&burnFile, "file", "f", "", "JSON rules file [REQUIRED]")
	burnTablePublishCmd.Flags().StringVar(&burnValidFrom, "valid-from", "", "RFC3339 start time (default now)")
	_ = burnTablePublishCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(providerCostCmd)
	providerCostCmd.AddCommand(providerCostAddCmd)
	providerCostAddCmd.Flags().StringVar(&costProvider, "provider", "", "provider name [REQUIRED]")
	providerCostAddCmd.Flags().StringVar(&costModel, "model", "", "model name [REQUIRED]")
	providerCostAddCmd.Flags().StringVar(&costType, "type", string(models.CostTypeInput), "cost type (input, output, image, unit)")
	providerCostAddCmd.Flags().StringVar(&costPerUnit, "cost", "", "USD cost per unit size [REQUIRED]")
	providerCostAddCmd.Flags().Int64Var(&costUnitSize, "unit-size", 1, "units the cost applies to")
	providerCostAddCmd.Flags().StringVar(&costValidFrom, "valid-from", "", "RFC3339 start time (default now)")
	_ = providerCostAddCmd.MarkFlagRequired("provider")
	_ = providerCostAddCmd.MarkFlagRequired("model")
	_ = providerCostAddCmd.MarkFlagRequired("cost")
}
