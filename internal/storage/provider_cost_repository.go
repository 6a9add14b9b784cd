package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

// ProviderCostRepository handles provider cost rows with caching
type ProviderCostRepository struct {
	db    *DB
	cache *LRUCache
}

// NewProviderCostRepository creates a new provider cost repository
func NewProviderCostRepository(db *DB) *ProviderCostRepository {
	return &ProviderCostRepository{
		db:    db,
		cache: db.GetProviderCostCache(),
	}
}

func providerCostCacheKey(provider, model string, costType models.CostType) string {
	return provider + "|" + model + "|" + string(costType)
}

// ProviderCost returns the row valid at the given time, or nil when none is.
// The cached row is reused while it stays valid at the requested time.
func (r *ProviderCostRepository) ProviderCost(ctx context.Context, provider, model string, costType models.CostType, at time.Time) (*models.ProviderCost, error) {
	key := providerCostCacheKey(provider, model, costType)
	if cached, found := r.cache.Get(key); found {
		cost := cached.(*models.ProviderCost)
		if cost.ValidAt(at) {
			return cost, nil
		}
	}

	var cost models.ProviderCost
	query := `
		SELECT id, provider, model, cost_type, cost_per_unit, unit_size, currency,
			valid_from, valid_until, created_at
		FROM provider_costs
		WHERE provider = $1 AND model = $2 AND cost_type = $3
			AND valid_from <= $4
			AND (valid_until IS NULL OR valid_until > $4)
		ORDER BY valid_from DESC
		LIMIT 1
	`

	err := r.db.conn.GetContext(ctx, &cost, query, provider, model, costType, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider cost: %w", err)
	}

	r.cache.Set(key, &cost)
	return &cost, nil
}

// AddProviderCost inserts a cost row. An open-ended row for the same
// provider/model/type is closed at the new row's valid_from.
func (r *ProviderCostRepository) AddProviderCost(ctx context.Context, cost *models.ProviderCost) error {
	if cost.ID == uuid.Nil {
		cost.ID = uuid.New()
	}
	if cost.UnitSize <= 0 {
		cost.UnitSize = 1
	}
	if cost.Currency == "" {
		cost.Currency = "USD"
	}
	if cost.ValidFrom.IsZero() {
		cost.ValidFrom = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	closeQuery := `
		UPDATE provider_costs
		SET valid_until = $4
		WHERE provider = $1 AND model = $2 AND cost_type = $3
			AND valid_until IS NULL AND valid_from < $4
	`
	if _, err := tx.ExecContext(ctx, closeQuery, cost.Provider, cost.Model, cost.CostType, cost.ValidFrom); err != nil {
		return fmt.Errorf("failed to close previous provider cost: %w", err)
	}

	insertQuery := `
		INSERT INTO provider_costs (
			id, provider, model, cost_type, cost_per_unit, unit_size, currency, valid_from, valid_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err = tx.QueryRowxContext(ctx, insertQuery,
		cost.ID, cost.Provider, cost.Model, cost.CostType, cost.CostPerUnit,
		cost.UnitSize, cost.Currency, cost.ValidFrom, cost.ValidUntil,
	).Scan(&cost.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert provider cost: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit provider cost: %w", err)
	}

	r.cache.Delete(providerCostCacheKey(cost.Provider, cost.Model, cost.CostType))
	return nil
}

// ListProviderCosts returns all rows for a provider, newest first
func (r *ProviderCostRepository) ListProviderCosts(ctx context.Context, provider string) ([]*models.ProviderCost, error) {
	var costs []*models.ProviderCost
	query := `
		SELECT id, provider, model, cost_type, cost_per_unit, unit_size, currency,
			valid_from, valid_until, created_at
		FROM provider_costs
		WHERE provider = $1
		ORDER BY model, cost_type, valid_from DESC
	`

	if err := r.db.conn.SelectContext(ctx, &costs, query, provider); err != nil {
		return nil, fmt.Errorf("failed to list provider costs: %w", err)
	}

	return costs, nil
}

// InvalidateCostCache drops every cached provider cost
func (r *ProviderCostRepository) InvalidateCostCache() {
	r.cache.Clear()
}
