package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/pricing"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// ErrPermanent marks failures that retrying cannot fix. Such jobs are
// dead-lettered on the first attempt.
var ErrPermanent = errors.New("permanent failure")

// Outcome is the result of a successful Process call
type Outcome string

const (
	// OutcomeProcessed means the event was persisted (and debited when it had a cost)
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate means the event was already processed; nothing changed
	OutcomeDuplicate Outcome = "duplicate"
)

// Pricer prices one event without side effects
type Pricer interface {
	Price(ctx context.Context, event *models.Event) (*pricing.Result, error)
}

// Processor turns one queued event into a usage row and a wallet debit,
// atomically. Reprocessing the same event is a no-op.
type Processor struct {
	store  ledger.Store
	engine *ledger.Engine
	pricer Pricer
	logger *utils.Logger
}

// NewProcessor creates an event processor
func NewProcessor(store ledger.Store, engine *ledger.Engine, pricer Pricer, logger *utils.Logger) *Processor {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Processor{
		store:  store,
		engine: engine,
		pricer: pricer,
		logger: logger,
	}
}

// Process prices the event, then persists it and burns its credits in one
// transaction. Pricing failures are returned for retry. Validation failures
// and HARD-policy rejections are wrapped in ErrPermanent.
func (p *Processor) Process(ctx context.Context, env *models.EventEnvelope) (Outcome, error) {
	event := &env.Event
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	price, err := p.pricer.Price(ctx, event)
	if err != nil {
		if errors.Is(err, pricing.ErrUnsupportedKind) {
			return "", fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return "", fmt.Errorf("failed to price event %s: %w", event.EventID, err)
	}

	usage := models.NewUsageEvent(env)
	usage.CreditsCharged = price.Credits
	usage.CostUSD = price.CostUSD
	usage.PricingSource = string(price.Source)

	outcome := OutcomeProcessed
	err = p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		inserted, err := tx.InsertUsageEvent(ctx, usage)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}

		if price.Credits <= 0 {
			return nil
		}

		_, err = p.engine.Burn(ctx, tx, ledger.BurnRequest{
			Scope:          event.Scope(),
			Credits:        price.Credits,
			Description:    burnDescription(event),
			Metadata:       burnMetadata(event, price),
			IdempotencyKey: models.BurnIdempotencyKey(event.CustomerID, event.EventID),
		})
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		// the burn line outlived its usage row; the event was charged before
		outcome = OutcomeDuplicate
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	default:
		return "", fmt.Errorf("failed to record event %s: %w", event.EventID, err)
	}

	if outcome == OutcomeDuplicate {
		p.logger.Debug("Event already processed",
			"customer_id", event.CustomerID,
			"event_id", event.EventID,
		)
		return outcome, nil
	}

	metrics.RecordPricingSource(string(price.Source))
	p.logger.Debug("Event processed",
		"customer_id", event.CustomerID,
		"event_id", event.EventID,
		"credits", price.Credits,
		"cost_usd", price.CostUSD.String(),
		"source", price.Source,
	)
	return outcome, nil
}

func burnDescription(event *models.Event) string {
	switch event.Kind {
	case models.EventKindTokenUsage:
		return fmt.Sprintf("Token usage: %s/%s", event.Tokens.Provider, event.Tokens.Model)
	case models.EventKindImageGeneration:
		return fmt.Sprintf("Image generation: %s/%s", event.Image.Provider, event.Image.Model)
	case models.EventKindCustomUnit:
		return fmt.Sprintf("Custom usage: %s", event.Custom.Unit)
	default:
		return string(event.Kind)
	}
}

func burnMetadata(event *models.Event, price *pricing.Result) models.JSONB {
	return models.JSONB{
		"event_id":       event.EventID,
		"kind":           string(event.Kind),
		"cost_usd":       price.CostUSD.String(),
		"pricing_source": string(price.Source),
	}
}
