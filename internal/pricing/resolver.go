// Package pricing turns a usage event into credits and USD cost.
//
// Resolution order for the credit side:
//
//	customer burn table  ─┐
//	                      ├─ first active table wins ─► rule for model/unit, else "default" rule
//	global burn table    ─┘                                   │
//	                                                           └─ no rule ─► ceil(usd × credits per dollar)
//
// The USD side always comes from provider cost rows valid at pricing time.
// Price has no side effects and is shared by the event processor and the
// quote endpoint so both always agree on cost.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

var (
	// ErrNoCostData is returned when neither a burn table rule nor provider
	// cost data can price the event
	ErrNoCostData = errors.New("no cost data found")

	// ErrUnsupportedKind is returned for an event kind the resolver cannot price
	ErrUnsupportedKind = errors.New("unsupported event kind")
)

// Source records which configuration produced the credit amount
type Source string

const (
	SourceCustomerBurnTable Source = "customer_burn_table"
	SourceDefaultBurnTable  Source = "default_burn_table"
	SourceDefault           Source = "default"
	SourceNone              Source = "none"
)

// DefaultCreditsPerDollar is the flat conversion used without a burn table rule
var DefaultCreditsPerDollar = decimal.NewFromInt(1000)

// Catalog is the read-only pricing configuration. Both lookups return nil
// without error when nothing matches.
type Catalog interface {
	ActiveBurnTable(ctx context.Context, customerID *uuid.UUID) (*models.BurnTable, error)
	ProviderCost(ctx context.Context, provider, model string, costType models.CostType, at time.Time) (*models.ProviderCost, error)
}

// Breakdown explains how a Result was computed
type Breakdown struct {
	InputQuantity  decimal.Decimal `json:"input_quantity"`
	OutputQuantity decimal.Decimal `json:"output_quantity"`
	InputCostUSD   decimal.Decimal `json:"input_cost_usd"`
	OutputCostUSD  decimal.Decimal `json:"output_cost_usd"`

	BurnTableID      *uuid.UUID `json:"burn_table_id,omitempty"`
	BurnTableVersion int        `json:"burn_table_version,omitempty"`
	RuleKey          string     `json:"rule_key,omitempty"`

	// ProviderCostMissing is set when a rule priced the event but USD cost
	// data was absent for at least one direction
	ProviderCostMissing bool `json:"provider_cost_missing,omitempty"`
}

// Result is the priced form of one event
type Result struct {
	Credits       int64           `json:"credits"`
	CostUSD       decimal.Decimal `json:"cost_usd"`
	Source        Source          `json:"source"`
	RevenueUSD    decimal.Decimal `json:"revenue_usd"`
	MarginUSD     decimal.Decimal `json:"margin_usd"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
	Breakdown     Breakdown       `json:"breakdown"`
}

// Resolver prices events against a Catalog
type Resolver struct {
	catalog          Catalog
	creditsPerDollar decimal.Decimal
	logger           *utils.Logger
	now              func() time.Time
}

// NewResolver creates a resolver. A non-positive creditsPerDollar falls back
// to DefaultCreditsPerDollar.
func NewResolver(catalog Catalog, creditsPerDollar decimal.Decimal, logger *utils.Logger) *Resolver {
	if !creditsPerDollar.IsPositive() {
		creditsPerDollar = DefaultCreditsPerDollar
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Resolver{
		catalog:          catalog,
		creditsPerDollar: creditsPerDollar,
		logger:           logger,
		now:              time.Now,
	}
}

// SetClock replaces the time source used to select provider cost rows
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// CreditsPerDollar returns the configured conversion rate
func (r *Resolver) CreditsPerDollar() decimal.Decimal {
	return r.creditsPerDollar
}

// quantities is the kind-independent view of an event used by the pricing steps
type quantities struct {
	provider string
	model    string // rule key: model name or custom unit name
	input    decimal.Decimal
	output   decimal.Decimal
	inType   models.CostType
	outType  models.CostType // empty for single-direction kinds
	flat     bool
}

func quantitiesFor(event *models.Event) (quantities, error) {
	switch event.Kind {
	case models.EventKindTokenUsage:
		if event.Tokens == nil {
			return quantities{}, fmt.Errorf("%w: token_usage without tokens", models.ErrInvalidEvent)
		}
		return quantities{
			provider: event.Tokens.Provider,
			model:    event.Tokens.Model,
			input:    decimal.NewFromInt(event.Tokens.InputTokens),
			output:   decimal.NewFromInt(event.Tokens.OutputTokens),
			inType:   models.CostTypeInput,
			outType:  models.CostTypeOutput,
		}, nil
	case models.EventKindImageGeneration:
		if event.Image == nil {
			return quantities{}, fmt.Errorf("%w: image_generation without image", models.ErrInvalidEvent)
		}
		return quantities{
			provider: event.Image.Provider,
			model:    event.Image.Model,
			input:    decimal.NewFromInt(event.Image.Count),
			output:   decimal.Zero,
			inType:   models.CostTypeImage,
			flat:     true,
		}, nil
	case models.EventKindCustomUnit:
		if event.Custom == nil {
			return quantities{}, fmt.Errorf("%w: custom_unit without custom", models.ErrInvalidEvent)
		}
		return quantities{
			provider: models.CustomProvider,
			model:    event.Custom.Unit,
			input:    event.Custom.Quantity,
			output:   decimal.Zero,
			inType:   models.CostTypeUnit,
			flat:     true,
		}, nil
	default:
		return quantities{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, event.Kind)
	}
}

// Price computes credits and USD cost for event. It only reads the catalog.
func (r *Resolver) Price(ctx context.Context, event *models.Event) (*Result, error) {
	q, err := quantitiesFor(event)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Source: SourceNone,
		Breakdown: Breakdown{
			InputQuantity:  q.input,
			OutputQuantity: q.output,
		},
	}
	if q.input.IsZero() && q.output.IsZero() {
		return result, nil
	}

	at := r.now().UTC()

	costMissing := false
	if q.input.IsPositive() {
		cost, err := r.catalog.ProviderCost(ctx, q.provider, q.model, q.inType, at)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s cost: %w", q.inType, err)
		}
		costMissing = costMissing || cost == nil
		result.Breakdown.InputCostUSD = cost.CostFor(q.input)
	}
	if q.output.IsPositive() {
		cost, err := r.catalog.ProviderCost(ctx, q.provider, q.model, q.outType, at)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s cost: %w", q.outType, err)
		}
		costMissing = costMissing || cost == nil
		result.Breakdown.OutputCostUSD = cost.CostFor(q.output)
	}
	result.CostUSD = result.Breakdown.InputCostUSD.Add(result.Breakdown.OutputCostUSD)

	table, source, err := r.resolveTable(ctx, event.CustomerID)
	if err != nil {
		return nil, err
	}

	var rule models.BurnRule
	ruleFound := false
	if table != nil {
		rule, ruleFound = table.Rules.RuleFor(q.model)
	}

	switch {
	case ruleFound:
		result.Credits = creditsFromRule(rule, q)
		result.Source = source
		result.Breakdown.BurnTableID = &table.ID
		result.Breakdown.BurnTableVersion = table.Version
		result.Breakdown.RuleKey = ruleKey(table.Rules, q.model)
		result.Breakdown.ProviderCostMissing = costMissing
		if costMissing {
			r.logger.Debug("Priced by rule without provider cost",
				"provider", q.provider,
				"model", q.model,
				"burn_table_id", table.ID,
			)
		}
	case costMissing:
		return nil, fmt.Errorf("%w for %s/%s", ErrNoCostData, q.provider, q.model)
	default:
		result.Credits = result.CostUSD.Mul(r.creditsPerDollar).Ceil().IntPart()
		result.Source = SourceDefault
	}

	r.fillMargin(result)
	return result, nil
}

// resolveTable prefers the customer's active table, then the global one
func (r *Resolver) resolveTable(ctx context.Context, customerID uuid.UUID) (*models.BurnTable, Source, error) {
	table, err := r.catalog.ActiveBurnTable(ctx, &customerID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load customer burn table: %w", err)
	}
	if table != nil {
		return table, SourceCustomerBurnTable, nil
	}

	table, err = r.catalog.ActiveBurnTable(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load default burn table: %w", err)
	}
	if table != nil {
		return table, SourceDefaultBurnTable, nil
	}
	return nil, SourceDefault, nil
}

func creditsFromRule(rule models.BurnRule, q quantities) int64 {
	div := rule.Divisor()
	var credits decimal.Decimal
	if q.flat {
		credits = q.input.Div(div).Mul(rule.FlatRate)
	} else {
		credits = q.input.Div(div).Mul(rule.InputRate).
			Add(q.output.Div(div).Mul(rule.OutputRate))
	}
	return credits.Ceil().IntPart()
}

func ruleKey(rules models.BurnRules, key string) string {
	if _, ok := rules[key]; ok {
		return key
	}
	return models.DefaultRuleKey
}

func (r *Resolver) fillMargin(result *Result) {
	result.RevenueUSD = decimal.NewFromInt(result.Credits).Div(r.creditsPerDollar)
	result.MarginUSD = result.RevenueUSD.Sub(result.CostUSD)
	if result.CostUSD.IsZero() {
		result.MarginPercent = decimal.Zero
		return
	}
	result.MarginPercent = result.MarginUSD.Div(result.CostUSD).Mul(decimal.NewFromInt(100)).Round(4)
}
