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

const burnTableColumns = `id, customer_id, version, is_active, rules, valid_from, valid_until, created_at, updated_at`

// BurnTableRepository handles versioned burn tables with caching.
// A nil customer id addresses the global table.
type BurnTableRepository struct {
	db    *DB
	cache *LRUCache
}

// NewBurnTableRepository creates a new burn table repository
func NewBurnTableRepository(db *DB) *BurnTableRepository {
	return &BurnTableRepository{
		db:    db,
		cache: db.GetBurnTableCache(),
	}
}

// ActiveBurnTable returns the active table for the scope, or nil when the
// scope has none. Absence is cached too, so customers without a table do not
// cost a query per event.
func (r *BurnTableRepository) ActiveBurnTable(ctx context.Context, customerID *uuid.UUID) (*models.BurnTable, error) {
	key := models.BurnTableScopeKey(customerID)
	if cached, found := r.cache.Get(key); found {
		return cached.(*models.BurnTable), nil
	}

	var table models.BurnTable
	query := `SELECT ` + burnTableColumns + `
		FROM burn_tables
		WHERE customer_id IS NOT DISTINCT FROM $1 AND is_active
		LIMIT 1`

	err := r.db.conn.GetContext(ctx, &table, query, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(key, (*models.BurnTable)(nil))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active burn table: %w", err)
	}

	r.cache.Set(key, &table)
	return &table, nil
}

// ListBurnTables returns every version for the scope, newest first
func (r *BurnTableRepository) ListBurnTables(ctx context.Context, customerID *uuid.UUID) ([]*models.BurnTable, error) {
	var tables []*models.BurnTable
	query := `SELECT ` + burnTableColumns + `
		FROM burn_tables
		WHERE customer_id IS NOT DISTINCT FROM $1
		ORDER BY version DESC`

	if err := r.db.conn.SelectContext(ctx, &tables, query, customerID); err != nil {
		return nil, fmt.Errorf("failed to list burn tables: %w", err)
	}

	return tables, nil
}

// PublishBurnTable makes rules the scope's active table. The previous active
// version is closed at validFrom and the new one gets version+1. Concurrent
// publications for one scope are serialized by an advisory lock.
func (r *BurnTableRepository) PublishBurnTable(ctx context.Context, customerID *uuid.UUID, rules models.BurnRules, validFrom time.Time) (*models.BurnTable, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if validFrom.IsZero() {
		validFrom = time.Now().UTC()
	}

	scopeKey := models.BurnTableScopeKey(customerID)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "burn_table:"+scopeKey); err != nil {
		return nil, fmt.Errorf("failed to lock burn table scope: %w", err)
	}

	var latest int
	versionQuery := `SELECT COALESCE(MAX(version), 0) FROM burn_tables WHERE customer_id IS NOT DISTINCT FROM $1`
	if err := tx.GetContext(ctx, &latest, versionQuery, customerID); err != nil {
		return nil, fmt.Errorf("failed to read latest burn table version: %w", err)
	}

	deactivateQuery := `
		UPDATE burn_tables
		SET is_active = FALSE, valid_until = $2, updated_at = NOW()
		WHERE customer_id IS NOT DISTINCT FROM $1 AND is_active
	`
	if _, err := tx.ExecContext(ctx, deactivateQuery, customerID, validFrom); err != nil {
		return nil, fmt.Errorf("failed to deactivate burn table: %w", err)
	}

	table := &models.BurnTable{
		ID:         uuid.New(),
		CustomerID: customerID,
		Version:    latest + 1,
		IsActive:   true,
		Rules:      rules,
		ValidFrom:  validFrom,
	}

	insertQuery := `
		INSERT INTO burn_tables (id, customer_id, version, is_active, rules, valid_from)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowxContext(ctx, insertQuery,
		table.ID, table.CustomerID, table.Version, table.Rules, table.ValidFrom,
	).Scan(&table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert burn table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit burn table: %w", err)
	}

	r.InvalidateScope(customerID)
	return table, nil
}

// InvalidateScope drops the cached active table for the scope
func (r *BurnTableRepository) InvalidateScope(customerID *uuid.UUID) {
	r.cache.Delete(models.BurnTableScopeKey(customerID))
}
