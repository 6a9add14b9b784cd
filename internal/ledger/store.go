package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

// Store is the transactional persistence the engine and the event processor run on.
type Store interface {
	// WithinTx runs fn in one database transaction. A non-nil error from fn
	// rolls the transaction back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// FindWallet returns the wallet for scope, or nil when none exists yet
	FindWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error)

	// ListTransactions returns the newest transactions of a wallet, newest first
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// Tx is the set of writes available inside Store.WithinTx.
type Tx interface {
	// InsertUsageEvent persists the event. Returns false when an event with the
	// same (customer_id, event_id) or idempotency key already exists.
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) (bool, error)

	// GetOrCreateWallet returns the wallet for the exact scope, creating a
	// zero-balance wallet when none exists.
	GetOrCreateWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error)

	// AdjustBalance atomically adds delta to the wallet balance and returns the
	// new balance. With floorAtZero the update only applies when the result is
	// non-negative; otherwise applied is false and nothing changes.
	AdjustBalance(ctx context.Context, walletID uuid.UUID, delta int64, floorAtZero bool) (balance int64, applied bool, err error)

	// InsertTransaction appends a ledger line, filling ID, Seq and CreatedAt.
	// Returns false when the idempotency key is already used.
	InsertTransaction(ctx context.Context, txn *models.CreditTransaction) (bool, error)
}
