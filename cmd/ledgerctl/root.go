package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmonetize/openmonetize-sub001/internal/app"
	"github.com/openmonetize/openmonetize-sub001/internal/config"
	"github.com/openmonetize/openmonetize-sub001/internal/logging"
)

var (
	verbose bool

	cfg        *config.Config
	baseLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the usage ledger",
	Long: `ledgerctl manages the usage ledger: schema migrations, pricing tables,
wallet grants, usage event lookups, the dead-letter queue and operator
tokens.

Configuration is read from the same environment variables as ledger-worker.

Examples:
  ledgerctl migrate
  ledgerctl burn-table publish --customer 7d1e... --file rules.json
  ledgerctl wallet grant --customer 7d1e... --amount 5000
  ledgerctl event list --customer 7d1e...
  ledgerctl dlq replay --all
  ledgerctl token issue --subject ops --role admin`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		baseLogger, err = logging.New(logging.Config{Level: level, Format: "console", Service: "ledgerctl"})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// openApp builds the pipeline components without starting any workers
func openApp(cmd *cobra.Command) (*app.App, error) {
	a, err := app.New(cmd.Context(), cfg, baseLogger)
	if err != nil {
		return nil, err
	}
	if a.Backend.DB == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory storage driver; changes are lost when ledgerctl exits")
	}
	return a, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
