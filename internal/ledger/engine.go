package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// BurnRequest debits credits for usage
type BurnRequest struct {
	Scope          models.WalletScope
	Credits        int64
	Description    string
	Metadata       models.JSONB
	IdempotencyKey string
}

// CreditRequest adds credits to a wallet (PURCHASE, GRANT or REFUND)
type CreditRequest struct {
	Scope          models.WalletScope
	Kind           models.TransactionKind
	Amount         int64
	Description    string
	Metadata       models.JSONB
	IdempotencyKey string
}

// Engine is the only writer of wallet balances. Every balance change is an
// atomic adjustment plus an appended transaction in the same database transaction.
type Engine struct {
	store  Store
	policy Policy
	logger *utils.Logger
}

// NewEngine creates a ledger engine
func NewEngine(store Store, policy Policy, logger *utils.Logger) *Engine {
	if policy == "" {
		policy = PolicySoft
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Engine{store: store, policy: policy, logger: logger}
}

// Policy returns the configured wallet policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// Burn debits req.Credits from the wallet resolved for req.Scope inside tx.
// Under SOFT and NONE the balance may go negative; under HARD the debit
// fails with ErrInsufficientBalance and nothing is written.
func (e *Engine) Burn(ctx context.Context, tx Tx, req BurnRequest) (*models.CreditTransaction, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}

	wallet, err := tx.GetOrCreateWallet(ctx, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet: %w", err)
	}

	txn, err := e.apply(ctx, tx, wallet, models.TransactionBurn, -req.Credits, req.Description, req.Metadata, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	metrics.RecordBurn(req.Credits)
	return txn, nil
}

// Credit adds credits in its own transaction. A reused idempotency key
// returns ErrDuplicateTransaction and leaves the balance untouched.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*models.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch req.Kind {
	case models.TransactionPurchase, models.TransactionGrant, models.TransactionRefund:
	default:
		return nil, fmt.Errorf("%w: %q cannot add credits", ErrInvalidKind, req.Kind)
	}

	var result *models.CreditTransaction
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		wallet, err := tx.GetOrCreateWallet(ctx, req.Scope)
		if err != nil {
			return fmt.Errorf("failed to resolve wallet: %w", err)
		}
		result, err = e.apply(ctx, tx, wallet, req.Kind, req.Amount, req.Description, req.Metadata, req.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Wallet credited",
		"wallet_id", result.WalletID,
		"kind", result.Kind,
		"amount", result.Amount,
		"balance_after", result.BalanceAfter,
	)
	return result, nil
}

func (e *Engine) apply(
	ctx context.Context,
	tx Tx,
	wallet *models.CreditWallet,
	kind models.TransactionKind,
	delta int64,
	description string,
	metadata models.JSONB,
	idempotencyKey string,
) (*models.CreditTransaction, error) {
	floor := e.policy == PolicyHard && delta < 0

	balance, applied, err := tx.AdjustBalance(ctx, wallet.ID, delta, floor)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust balance: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: wallet %s cannot cover %d credits", ErrInsufficientBalance, wallet.ID, -delta)
	}
	before := balance - delta

	if delta < 0 && balance < 0 {
		switch e.policy {
		case PolicySoft:
			e.logger.Warn("Debit took wallet below zero",
				"wallet_id", wallet.ID,
				"customer_id", wallet.CustomerID,
				"balance_before", before,
				"balance_after", balance,
				"amount", delta,
			)
			metrics.RecordNegativeBalance(string(e.policy))
		case PolicyNone:
			metrics.RecordNegativeBalance(string(e.policy))
		}
	}

	txn := &models.CreditTransaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		CustomerID:    wallet.CustomerID,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  balance,
		Description:   description,
		Metadata:      metadata,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		txn.IdempotencyKey = &key
	}

	inserted, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, idempotencyKey)
	}

	return txn, nil
}

// Wallet returns the wallet for scope, or nil when it was never created
func (e *Engine) Wallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error) {
	return e.store.FindWallet(ctx, scope)
}

// Balance returns the current balance for scope (0 when no wallet exists)
func (e *Engine) Balance(ctx context.Context, scope models.WalletScope) (int64, error) {
	wallet, err := e.store.FindWallet(ctx, scope)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, nil
	}
	return wallet.Balance, nil
}

// History returns the newest transactions for scope, newest first
func (e *Engine) History(ctx context.Context, scope models.WalletScope, limit int) ([]*models.CreditTransaction, error) {
	wallet, err := e.store.FindWallet(ctx, scope)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return []*models.CreditTransaction{}, nil
	}
	return e.store.ListTransactions(ctx, wallet.ID, limit)
}
