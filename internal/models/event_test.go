package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func tokenEvent() Event {
	return Event{
		EventID:    "evt-1",
		CustomerID: uuid.New(),
		Kind:       EventKindTokenUsage,
		Tokens:     &TokenUsage{Provider: "openai", Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500},
	}
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{"valid token event", func(e *Event) {}, false},
		{"missing event id", func(e *Event) { e.EventID = "" }, true},
		{"event id too long", func(e *Event) { e.EventID = strings.Repeat("x", MaxEventIDLength+1) }, true},
		{"missing customer", func(e *Event) { e.CustomerID = uuid.Nil }, true},
		{"unknown kind", func(e *Event) { e.Kind = "video" }, true},
		{"negative tokens", func(e *Event) { e.Tokens.InputTokens = -1 }, true},
		{"missing model", func(e *Event) { e.Tokens.Model = "" }, true},
		{"zero tokens allowed", func(e *Event) { e.Tokens.InputTokens, e.Tokens.OutputTokens = 0, 0 }, false},
		{"two payloads", func(e *Event) { e.Image = &ImageGeneration{Provider: "openai", Model: "dall-e-3", Count: 1} }, true},
		{"payload mismatches kind", func(e *Event) {
			e.Kind = EventKindImageGeneration
		}, true},
		{"valid image event", func(e *Event) {
			e.Kind = EventKindImageGeneration
			e.Tokens = nil
			e.Image = &ImageGeneration{Provider: "openai", Model: "dall-e-3", Count: 2}
		}, false},
		{"valid custom event", func(e *Event) {
			e.Kind = EventKindCustomUnit
			e.Tokens = nil
			e.Custom = &CustomUnit{Unit: "api_call", Quantity: decimal.NewFromInt(3)}
		}, false},
		{"custom event without unit", func(e *Event) {
			e.Kind = EventKindCustomUnit
			e.Tokens = nil
			e.Custom = &CustomUnit{Quantity: decimal.NewFromInt(3)}
		}, true},
		{"custom event negative quantity", func(e *Event) {
			e.Kind = EventKindCustomUnit
			e.Tokens = nil
			e.Custom = &CustomUnit{Unit: "api_call", Quantity: decimal.NewFromInt(-1)}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tokenEvent()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalidEvent) {
					t.Errorf("Validate() error = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestEvent_JobIDIncludesCustomer(t *testing.T) {
	a := tokenEvent()
	b := tokenEvent()
	if a.JobID() == b.JobID() {
		t.Fatalf("same event id for different customers produced the same job id %q", a.JobID())
	}
	if want := a.CustomerID.String() + ":evt-1"; a.JobID() != want {
		t.Errorf("JobID() = %q, want %q", a.JobID(), want)
	}
}

func TestScopeFor_Precedence(t *testing.T) {
	customer := uuid.New()
	user := uuid.New()
	team := uuid.New()

	tests := []struct {
		name      string
		user      *uuid.UUID
		team      *uuid.UUID
		wantLevel string
	}{
		{"team wins over user", &user, &team, "team"},
		{"user only", &user, nil, "user"},
		{"customer only", nil, nil, "customer"},
		{"nil uuid treated as absent", &user, &uuid.Nil, "user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := ScopeFor(customer, tt.user, tt.team)
			if scope.Level() != tt.wantLevel {
				t.Errorf("Level() = %s, want %s", scope.Level(), tt.wantLevel)
			}
			if scope.UserID != nil && scope.TeamID != nil {
				t.Errorf("scope has both user and team set")
			}
			if scope.CustomerID != customer {
				t.Errorf("CustomerID = %v, want %v", scope.CustomerID, customer)
			}
		})
	}
}

func TestNewUsageEvent_FlattensVariant(t *testing.T) {
	e := tokenEvent()
	e.Metadata = JSONB{"route": "/chat"}
	env := &EventEnvelope{BatchID: uuid.New(), Event: e}

	ue := NewUsageEvent(env)
	if ue.Provider == nil || *ue.Provider != "openai" {
		t.Errorf("Provider = %v, want openai", ue.Provider)
	}
	if ue.InputTokens != 1000 || ue.OutputTokens != 500 {
		t.Errorf("tokens = %d/%d, want 1000/500", ue.InputTokens, ue.OutputTokens)
	}
	if ue.Unit != nil {
		t.Errorf("Unit = %v, want nil for token events", *ue.Unit)
	}

	e.Metadata["route"] = "/changed"
	if ue.Metadata["route"] != "/chat" {
		t.Errorf("metadata aliases the caller map")
	}
}
