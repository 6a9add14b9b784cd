package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a ledger line
type TransactionKind string

const (
	TransactionPurchase TransactionKind = "PURCHASE"
	TransactionGrant    TransactionKind = "GRANT"
	TransactionBurn     TransactionKind = "BURN"
	TransactionRefund   TransactionKind = "REFUND"
)

// IsValid reports whether k is a known transaction kind
func (k TransactionKind) IsValid() bool {
	switch k {
	case TransactionPurchase, TransactionGrant, TransactionBurn, TransactionRefund:
		return true
	default:
		return false
	}
}

// IsDebit reports whether the kind removes credits from a wallet
func (k TransactionKind) IsDebit() bool {
	return k == TransactionBurn
}

// CreditTransaction is an immutable, append-only ledger line (credit_transactions table).
// BalanceAfter always equals BalanceBefore + Amount.
type CreditTransaction struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Seq            int64           `db:"seq" json:"seq"`
	WalletID       uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	CustomerID     uuid.UUID       `db:"customer_id" json:"customer_id"`
	Kind           TransactionKind `db:"kind" json:"kind"`
	Amount         int64           `db:"amount" json:"amount"`
	BalanceBefore  int64           `db:"balance_before" json:"balance_before"`
	BalanceAfter   int64           `db:"balance_after" json:"balance_after"`
	Description    string          `db:"description" json:"description"`
	Metadata       JSONB           `db:"metadata" json:"metadata,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Consistent reports whether the before/after snapshot matches the amount
func (t *CreditTransaction) Consistent() bool {
	return t.BalanceAfter == t.BalanceBefore+t.Amount
}

// BurnIdempotencyKey is the ledger-level idempotency key of the burn for an event
func BurnIdempotencyKey(customerID uuid.UUID, eventID string) string {
	return fmt.Sprintf("usage:%s:%s", customerID, eventID)
}
