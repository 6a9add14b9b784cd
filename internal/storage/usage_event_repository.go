package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

const usageEventColumns = `
	event_id, customer_id, user_id, team_id, kind, provider, model, unit,
	input_tokens, output_tokens, image_count, quantity,
	credits_charged, cost_usd, pricing_source, metadata, idempotency_key,
	event_timestamp, ingested_at, created_at`

// UsageEventRepository serves idempotency lookups and reads of persisted events.
// Inserts happen inside the ledger transaction (see LedgerStore).
type UsageEventRepository struct {
	db *DB
}

// NewUsageEventRepository creates a new usage event repository
func NewUsageEventRepository(db *DB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// ExistingEventIDs reports which of eventIDs are already persisted for the customer
func (r *UsageEventRepository) ExistingEventIDs(ctx context.Context, customerID uuid.UUID, eventIDs []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(eventIDs) == 0 {
		return found, nil
	}

	var ids []string
	query := `SELECT event_id FROM usage_events WHERE customer_id = $1 AND event_id = ANY($2)`
	if err := r.db.conn.SelectContext(ctx, &ids, query, customerID, pq.Array(eventIDs)); err != nil {
		return nil, fmt.Errorf("failed to look up event ids: %w", err)
	}

	for _, id := range ids {
		found[id] = true
	}
	return found, nil
}

// ExistingIdempotencyKeys reports which keys were already used by the customer's events
func (r *UsageEventRepository) ExistingIdempotencyKeys(ctx context.Context, customerID uuid.UUID, keys []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(keys) == 0 {
		return found, nil
	}

	var used []string
	query := `SELECT idempotency_key FROM usage_events WHERE customer_id = $1 AND idempotency_key = ANY($2)`
	if err := r.db.conn.SelectContext(ctx, &used, query, customerID, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("failed to look up idempotency keys: %w", err)
	}

	for _, key := range used {
		found[key] = true
	}
	return found, nil
}

// GetUsageEvent retrieves one persisted event
func (r *UsageEventRepository) GetUsageEvent(ctx context.Context, customerID uuid.UUID, eventID string) (*models.UsageEvent, error) {
	var event models.UsageEvent
	query := `SELECT ` + usageEventColumns + ` FROM usage_events WHERE customer_id = $1 AND event_id = $2`

	err := r.db.conn.GetContext(ctx, &event, query, customerID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageEventNotFound
		}
		return nil, fmt.Errorf("failed to get usage event: %w", err)
	}

	return &event, nil
}

// ListUsageEvents returns the customer's newest events
func (r *UsageEventRepository) ListUsageEvents(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []*models.UsageEvent
	query := `SELECT ` + usageEventColumns + `
		FROM usage_events
		WHERE customer_id = $1
		ORDER BY event_timestamp DESC, event_id
		LIMIT $2 OFFSET $3`

	if err := r.db.conn.SelectContext(ctx, &events, query, customerID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}

	return events, nil
}
