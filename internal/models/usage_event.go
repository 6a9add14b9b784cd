package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventEnvelope is the durable queue payload for one accepted event
type EventEnvelope struct {
	BatchID    uuid.UUID `json:"batch_id"`
	IngestedAt time.Time `json:"ingested_at"`
	Event      Event     `json:"event"`
}

// UsageEvent is the immutable persisted record of one processed event
// (usage_events table). Primary key is (customer_id, event_id).
type UsageEvent struct {
	EventID        string          `db:"event_id" json:"event_id"`
	CustomerID     uuid.UUID       `db:"customer_id" json:"customer_id"`
	UserID         *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	TeamID         *uuid.UUID      `db:"team_id" json:"team_id,omitempty"`
	Kind           EventKind       `db:"kind" json:"kind"`
	Provider       *string         `db:"provider" json:"provider,omitempty"`
	Model          *string         `db:"model" json:"model,omitempty"`
	Unit           *string         `db:"unit" json:"unit,omitempty"`
	InputTokens    int64           `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int64           `db:"output_tokens" json:"output_tokens"`
	ImageCount     int64           `db:"image_count" json:"image_count"`
	Quantity       decimal.Decimal `db:"quantity" json:"quantity"`
	CreditsCharged int64           `db:"credits_charged" json:"credits_charged"`
	CostUSD        decimal.Decimal `db:"cost_usd" json:"cost_usd"`
	PricingSource  string          `db:"pricing_source" json:"pricing_source"`
	Metadata       JSONB           `db:"metadata" json:"metadata,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	EventTimestamp time.Time       `db:"event_timestamp" json:"event_timestamp"`
	IngestedAt     time.Time       `db:"ingested_at" json:"ingested_at"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NewUsageEvent flattens an accepted event into its persisted row.
// Pricing fields are filled in by the processor.
func NewUsageEvent(env *EventEnvelope) *UsageEvent {
	e := env.Event
	ue := &UsageEvent{
		EventID:        e.EventID,
		CustomerID:     e.CustomerID,
		UserID:         e.UserID,
		TeamID:         e.TeamID,
		Kind:           e.Kind,
		Metadata:       e.Metadata.Clone(),
		IdempotencyKey: e.IdempotencyKey,
		EventTimestamp: e.Timestamp,
		IngestedAt:     env.IngestedAt,
		Quantity:       decimal.Zero,
		CostUSD:        decimal.Zero,
	}
	if !e.HasIdempotencyKey() {
		ue.IdempotencyKey = nil
	}

	switch e.Kind {
	case EventKindTokenUsage:
		if e.Tokens != nil {
			ue.Provider = stringPtr(e.Tokens.Provider)
			ue.Model = stringPtr(e.Tokens.Model)
			ue.InputTokens = e.Tokens.InputTokens
			ue.OutputTokens = e.Tokens.OutputTokens
		}
	case EventKindImageGeneration:
		if e.Image != nil {
			ue.Provider = stringPtr(e.Image.Provider)
			ue.Model = stringPtr(e.Image.Model)
			ue.ImageCount = e.Image.Count
		}
	case EventKindCustomUnit:
		if e.Custom != nil {
			ue.Unit = stringPtr(e.Custom.Unit)
			ue.Quantity = e.Custom.Quantity
		}
	}

	if ue.EventTimestamp.IsZero() {
		ue.EventTimestamp = env.IngestedAt
	}
	return ue
}

func stringPtr(s string) *string {
	return &s
}
