package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidEvent is returned (wrapped) by Event.Validate
var ErrInvalidEvent = errors.New("invalid event")

// MaxEventIDLength bounds caller-supplied event identifiers
const MaxEventIDLength = 255

// EventKind discriminates the usage event variants
type EventKind string

const (
	EventKindTokenUsage      EventKind = "token_usage"
	EventKindImageGeneration EventKind = "image_generation"
	EventKindCustomUnit      EventKind = "custom_unit"
)

// IsValid reports whether k is a known event kind
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindTokenUsage, EventKindImageGeneration, EventKindCustomUnit:
		return true
	default:
		return false
	}
}

// TokenUsage is the payload of a token_usage event
type TokenUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ImageGeneration is the payload of an image_generation event
type ImageGeneration struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Count    int64  `json:"count"`
}

// CustomUnit is the payload of a custom_unit event
type CustomUnit struct {
	Unit     string          `json:"unit"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Event is one metered action as submitted by the ingestion boundary.
// Exactly one of Tokens, Image or Custom is set, selected by Kind.
type Event struct {
	EventID        string           `json:"event_id"`
	CustomerID     uuid.UUID        `json:"customer_id"`
	UserID         *uuid.UUID       `json:"user_id,omitempty"`
	TeamID         *uuid.UUID       `json:"team_id,omitempty"`
	Kind           EventKind        `json:"kind"`
	Tokens         *TokenUsage      `json:"tokens,omitempty"`
	Image          *ImageGeneration `json:"image,omitempty"`
	Custom         *CustomUnit      `json:"custom,omitempty"`
	Metadata       JSONB            `json:"metadata,omitempty"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// JobID is the durable queue identity of the event.
// Event ids are unique per customer, so the customer id is part of the key.
func (e *Event) JobID() string {
	return JobID(e.CustomerID, e.EventID)
}

// JobID builds the queue identity for a customer's event id
func JobID(customerID uuid.UUID, eventID string) string {
	return fmt.Sprintf("%s:%s", customerID, eventID)
}

// HasIdempotencyKey reports whether a non-empty idempotency key was supplied
func (e *Event) HasIdempotencyKey() bool {
	return e.IdempotencyKey != nil && *e.IdempotencyKey != ""
}

// Scope returns the wallet scope charged for this event (team > user > customer)
func (e *Event) Scope() WalletScope {
	return ScopeFor(e.CustomerID, e.UserID, e.TeamID)
}

// Validate checks the discriminant and the variant payload
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if len(e.EventID) > MaxEventIDLength {
		return fmt.Errorf("%w: event_id exceeds %d characters", ErrInvalidEvent, MaxEventIDLength)
	}
	if e.CustomerID == uuid.Nil {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidEvent)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}

	set := 0
	if e.Tokens != nil {
		set++
	}
	if e.Image != nil {
		set++
	}
	if e.Custom != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload must be set for kind %q", ErrInvalidEvent, e.Kind)
	}

	switch e.Kind {
	case EventKindTokenUsage:
		if e.Tokens == nil {
			return fmt.Errorf("%w: tokens payload required for %q", ErrInvalidEvent, e.Kind)
		}
		if e.Tokens.Provider == "" || e.Tokens.Model == "" {
			return fmt.Errorf("%w: provider and model are required", ErrInvalidEvent)
		}
		if e.Tokens.InputTokens < 0 || e.Tokens.OutputTokens < 0 {
			return fmt.Errorf("%w: token counts must be non-negative", ErrInvalidEvent)
		}
	case EventKindImageGeneration:
		if e.Image == nil {
			return fmt.Errorf("%w: image payload required for %q", ErrInvalidEvent, e.Kind)
		}
		if e.Image.Provider == "" || e.Image.Model == "" {
			return fmt.Errorf("%w: provider and model are required", ErrInvalidEvent)
		}
		if e.Image.Count < 0 {
			return fmt.Errorf("%w: image count must be non-negative", ErrInvalidEvent)
		}
	case EventKindCustomUnit:
		if e.Custom == nil {
			return fmt.Errorf("%w: custom payload required for %q", ErrInvalidEvent, e.Kind)
		}
		if e.Custom.Unit == "" {
			return fmt.Errorf("%w: unit is required", ErrInvalidEvent)
		}
		if e.Custom.Quantity.IsNegative() {
			return fmt.Errorf("%w: quantity must be non-negative", ErrInvalidEvent)
		}
	}

	return nil
}
