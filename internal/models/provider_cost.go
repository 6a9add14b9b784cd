package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostType is the direction or unit a provider cost applies to
type CostType string

const (
	CostTypeInput  CostType = "input"
	CostTypeOutput CostType = "output"
	CostTypeImage  CostType = "image"
	CostTypeUnit   CostType = "unit"
)

// CustomProvider is the provider name under which custom unit costs are stored
const CustomProvider = "custom"

// ProviderCost is the USD price an upstream provider charges per UnitSize units
// (provider_costs table), valid within [ValidFrom, ValidUntil).
type ProviderCost struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Provider    string          `db:"provider" json:"provider"`
	Model       string          `db:"model" json:"model"`
	CostType    CostType        `db:"cost_type" json:"cost_type"`
	CostPerUnit decimal.Decimal `db:"cost_per_unit" json:"cost_per_unit"`
	UnitSize    int64           `db:"unit_size" json:"unit_size"`
	Currency    string          `db:"currency" json:"currency"`
	ValidFrom   time.Time       `db:"valid_from" json:"valid_from"`
	ValidUntil  *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// CostFor returns the USD cost of qty units, e.g. 1000 tokens at $2.50 per 1M = 0.0025
func (c *ProviderCost) CostFor(qty decimal.Decimal) decimal.Decimal {
	if c == nil || qty.IsZero() {
		return decimal.Zero
	}
	size := c.UnitSize
	if size <= 0 {
		size = 1
	}
	return qty.Div(decimal.NewFromInt(size)).Mul(c.CostPerUnit)
}

// ValidAt reports whether the cost row applies at t
func (c *ProviderCost) ValidAt(t time.Time) bool {
	if t.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil == nil || t.Before(*c.ValidUntil)
}
