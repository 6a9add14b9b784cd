package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect and fund credit wallets",
}

var (
	walletCustomer    string
	walletUser        string
	walletTeam        string
	walletAmount      int64
	walletKind        string
	walletDescription string
	walletKey         string
	walletLimit       int
)

var walletGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to a wallet",
	Long: `Add credits to the wallet of a customer, user or team. Use --key to make
the grant idempotent; repeating a grant with the same key is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := walletScope()
		if err != nil {
			return err
		}
		kind := models.TransactionKind(strings.ToUpper(walletKind))
		switch kind {
		case models.TransactionGrant, models.TransactionPurchase, models.TransactionRefund:
		default:
			return fmt.Errorf("invalid --kind %q: expected GRANT, PURCHASE or REFUND", walletKind)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		txn, err := a.Engine.Credit(cmd.Context(), ledger.CreditRequest{
			Scope:          scope,
			Kind:           kind,
			Amount:         walletAmount,
			Description:    walletDescription,
			Metadata:       models.JSONB{"source": "ledgerctl"},
			IdempotencyKey: walletKey,
		})
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			fmt.Fprintln(cmd.OutOrStdout(), "grant already applied")
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), txn)
	},
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a wallet and its recent transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := walletScope()
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		wallet, err := a.Engine.Wallet(cmd.Context(), scope)
		if err != nil {
			return err
		}
		history, err := a.Engine.History(cmd.Context(), scope, walletLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"wallet":       wallet,
			"transactions": history,
		})
	},
}

func walletScope() (models.WalletScope, error) {
	customerID, err := uuid.Parse(walletCustomer)
	if err != nil {
		return models.WalletScope{}, fmt.Errorf("invalid --customer: %w", err)
	}
	userID, err := optionalUUID(walletUser)
	if err != nil {
		return models.WalletScope{}, err
	}
	teamID, err := optionalUUID(walletTeam)
	if err != nil {
		return models.WalletScope{}, err
	}
	return models.ScopeFor(customerID, userID, teamID), nil
}

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletGrantCmd)
	walletCmd.AddCommand(walletBalanceCmd)

	walletCmd.PersistentFlags().StringVar(&walletCustomer, "customer", "", "customer id [REQUIRED]")
	walletCmd.PersistentFlags().StringVar(&walletUser, "user", "", "user id for a user wallet")
	walletCmd.PersistentFlags().StringVar(&walletTeam, "team", "", "team id for a team wallet (takes precedence over --user)")
	_ = walletCmd.MarkPersistentFlagRequired("customer")

	walletGrantCmd.Flags().Int64Var(&walletAmount, "amount", 0, "credits to add [REQUIRED]")
	walletGrantCmd.Flags().StringVar(&walletKind, "kind", string(models.TransactionGrant), "GRANT, PURCHASE or REFUND")
	walletGrantCmd.Flags().StringVar(&walletDescription, "description", "", "transaction description")
	walletGrantCmd.Flags().StringVar(&walletKey, "key", "", "idempotency key")
	_ = walletGrantCmd.MarkFlagRequired("amount")

	walletBalanceCmd.Flags().IntVar(&walletLimit, "limit", 20, "number of transactions to show")
}
