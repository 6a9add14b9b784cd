package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency is the single internal credit unit
const DefaultCurrency = "credits"

// WalletScope identifies exactly one wallet: customer-level (both nil),
// user-within-customer or team-within-customer.
type WalletScope struct {
	CustomerID uuid.UUID
	UserID     *uuid.UUID
	TeamID     *uuid.UUID
}

// ScopeFor picks the wallet scope by precedence team > user > customer
func ScopeFor(customerID uuid.UUID, userID, teamID *uuid.UUID) WalletScope {
	switch {
	case teamID != nil && *teamID != uuid.Nil:
		t := *teamID
		return WalletScope{CustomerID: customerID, TeamID: &t}
	case userID != nil && *userID != uuid.Nil:
		u := *userID
		return WalletScope{CustomerID: customerID, UserID: &u}
	default:
		return WalletScope{CustomerID: customerID}
	}
}

// Key returns a stable string form of the scope, used for map keys and locks
func (s WalletScope) Key() string {
	key := s.CustomerID.String()
	if s.UserID != nil {
		key += "/user/" + s.UserID.String()
	}
	if s.TeamID != nil {
		key += "/team/" + s.TeamID.String()
	}
	return key
}

// Level names the scope level: customer, user or team
func (s WalletScope) Level() string {
	switch {
	case s.TeamID != nil:
		return "team"
	case s.UserID != nil:
		return "user"
	default:
		return "customer"
	}
}

// CreditWallet is a balance holder (credit_wallets table).
// Balance may go negative under the soft and none wallet policies.
type CreditWallet struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	CustomerID      uuid.UUID  `db:"customer_id" json:"customer_id"`
	UserID          *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	TeamID          *uuid.UUID `db:"team_id" json:"team_id,omitempty"`
	Balance         int64      `db:"balance" json:"balance"`
	ReservedBalance int64      `db:"reserved_balance" json:"reserved_balance"`
	Currency        string     `db:"currency" json:"currency"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Scope returns the scope key fields of the wallet
func (w *CreditWallet) Scope() WalletScope {
	return WalletScope{CustomerID: w.CustomerID, UserID: w.UserID, TeamID: w.TeamID}
}

// AvailableBalance is the balance not held by reservations
func (w *CreditWallet) AvailableBalance() int64 {
	return w.Balance - w.ReservedBalance
}
