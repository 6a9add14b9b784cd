package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// Lookup reports which identifiers a customer has already persisted
type Lookup interface {
	ExistingEventIDs(ctx context.Context, customerID uuid.UUID, eventIDs []string) (map[string]bool, error)
	ExistingIdempotencyKeys(ctx context.Context, customerID uuid.UUID, keys []string) (map[string]bool, error)
}

// Partition is the outcome of filtering one batch
type Partition struct {
	New        []*models.Event
	Duplicates []*models.Event

	// FailedOpen is set when the persisted-state lookup failed and every
	// event passed through unchecked against storage
	FailedOpen bool
}

// Filter splits a batch into new and duplicate events. It only reads.
type Filter struct {
	lookup  Lookup
	timeout time.Duration
	logger  *utils.Logger
}

// NewFilter creates a filter. A positive timeout bounds the lookup so a slow
// database cannot stall ingestion.
func NewFilter(lookup Lookup, timeout time.Duration, logger *utils.Logger) *Filter {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Filter{lookup: lookup, timeout: timeout, logger: logger}
}

// Partition checks events against persisted usage events and against each
// other. An event is a duplicate when its idempotency key or its event id was
// already persisted, or appeared earlier in the same batch. Events without a
// key are only deduplicated by event id. A lookup failure never blocks: the
// batch is passed through as new and the condition is logged.
func (f *Filter) Partition(ctx context.Context, customerID uuid.UUID, events []*models.Event) Partition {
	var result Partition
	if len(events) == 0 {
		return result
	}

	persistedIDs, persistedKeys, err := f.persisted(ctx, customerID, events)
	if err != nil {
		result.FailedOpen = true
		metrics.IdempotencyFailOpenTotal.Inc()
		f.logger.Warn("Idempotency lookup failed, accepting batch unchecked",
			"customer_id", customerID,
			"events", len(events),
			"error", err,
		)
	}

	seenIDs := make(map[string]struct{}, len(events))
	seenKeys := make(map[string]struct{})
	for _, event := range events {
		dup := false
		if _, ok := seenIDs[event.EventID]; ok || persistedIDs[event.EventID] {
			dup = true
		}
		if event.HasIdempotencyKey() {
			key := *event.IdempotencyKey
			if _, ok := seenKeys[key]; ok || persistedKeys[key] {
				dup = true
			}
			seenKeys[key] = struct{}{}
		}
		seenIDs[event.EventID] = struct{}{}

		if dup {
			result.Duplicates = append(result.Duplicates, event)
		} else {
			result.New = append(result.New, event)
		}
	}

	return result
}

func (f *Filter) persisted(ctx context.Context, customerID uuid.UUID, events []*models.Event) (map[string]bool, map[string]bool, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	ids := make([]string, 0, len(events))
	var keys []string
	for _, event := range events {
		ids = append(ids, event.EventID)
		if event.HasIdempotencyKey() {
			keys = append(keys, *event.IdempotencyKey)
		}
	}

	persistedIDs, err := f.lookup.ExistingEventIDs(ctx, customerID, ids)
	if err != nil {
		return nil, nil, err
	}

	persistedKeys := map[string]bool{}
	if len(keys) > 0 {
		persistedKeys, err = f.lookup.ExistingIdempotencyKeys(ctx, customerID, keys)
		if err != nil {
			return nil, nil, err
		}
	}

	return persistedIDs, persistedKeys, nil
}
