package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultRuleKey is the catch-all rule used when no model/unit specific rule exists
const DefaultRuleKey = "default"

// ErrInvalidBurnRules is returned (wrapped) by BurnRules.Validate
var ErrInvalidBurnRules = errors.New("invalid burn rules")

// BurnRule maps usage of one model or unit onto credits.
// Token events use InputRate/OutputRate, image and custom unit events use FlatRate.
// Rates are credits per PerUnit units.
type BurnRule struct {
	InputRate  decimal.Decimal `json:"input_rate"`
	OutputRate decimal.Decimal `json:"output_rate"`
	FlatRate   decimal.Decimal `json:"flat_rate"`
	PerUnit    int64           `json:"per_unit"`
}

// Divisor returns PerUnit as a decimal, treating unset as 1
func (r BurnRule) Divisor() decimal.Decimal {
	if r.PerUnit <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(r.PerUnit)
}

// BurnRules is the rule map of a burn table keyed by model or unit name.
// Stored as jsonb.
type BurnRules map[string]BurnRule

func (r BurnRules) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

func (r *BurnRules) Scan(value any) error {
	return scanJSON(value, r, func() { *r = BurnRules{} })
}

// RuleFor looks up the rule for key, falling back to the default rule
func (r BurnRules) RuleFor(key string) (BurnRule, bool) {
	if rule, ok := r[key]; ok {
		return rule, true
	}
	rule, ok := r[DefaultRuleKey]
	return rule, ok
}

// Validate rejects empty rule sets, blank keys and negative rates or divisors
func (r BurnRules) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("%w: at least one rule is required", ErrInvalidBurnRules)
	}
	for key, rule := range r {
		if key == "" {
			return fmt.Errorf("%w: empty rule key", ErrInvalidBurnRules)
		}
		if rule.InputRate.IsNegative() || rule.OutputRate.IsNegative() || rule.FlatRate.IsNegative() {
			return fmt.Errorf("%w: rule %q has a negative rate", ErrInvalidBurnRules, key)
		}
		if rule.PerUnit < 0 {
			return fmt.Errorf("%w: rule %q has a negative per_unit", ErrInvalidBurnRules, key)
		}
	}
	return nil
}

// BurnTable is a versioned pricing ruleset (burn_tables table).
// CustomerID nil is the global default table.
type BurnTable struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	CustomerID *uuid.UUID `db:"customer_id" json:"customer_id,omitempty"`
	Version    int        `db:"version" json:"version"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	Rules      BurnRules  `db:"rules" json:"rules"`
	ValidFrom  time.Time  `db:"valid_from" json:"valid_from"`
	ValidUntil *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// IsGlobal reports whether this is the default (customer-less) table
func (b *BurnTable) IsGlobal() bool {
	return b.CustomerID == nil
}

// BurnTableScopeKey identifies the burn table scope for locking and caching
func BurnTableScopeKey(customerID *uuid.UUID) string {
	if customerID == nil {
		return "global"
	}
	return customerID.String()
}
