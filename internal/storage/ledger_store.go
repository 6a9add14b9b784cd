package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

const walletColumns = `id, customer_id, user_id, team_id, balance, reserved_balance, currency, expires_at, created_at, updated_at`

const transactionColumns = `id, seq, wallet_id, customer_id, kind, amount, balance_before, balance_after,
	description, metadata, idempotency_key, created_at`

// LedgerStore implements ledger.Store on Postgres
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ ledger.Store = (*LedgerStore)(nil)

// WithinTx runs fn in one database transaction
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindWallet returns the wallet for scope, or nil
func (s *LedgerStore) FindWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error) {
	return findWallet(ctx, s.db.conn, scope)
}

// ListTransactions returns the newest transactions of a wallet, newest first.
// A non-positive limit returns the whole history.
func (s *LedgerStore) ListTransactions(ctx context.Context, walletID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	txns := make([]*models.CreditTransaction, 0)
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT NULLIF($2::int, 0)`

	if err := s.db.conn.SelectContext(ctx, &txns, query, walletID, max(limit, 0)); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

func findWallet(ctx context.Context, q sqlx.QueryerContext, scope models.WalletScope) (*models.CreditWallet, error) {
	var wallet models.CreditWallet
	query := `SELECT ` + walletColumns + `
		FROM credit_wallets
		WHERE customer_id = $1
			AND user_id IS NOT DISTINCT FROM $2
			AND team_id IS NOT DISTINCT FROM $3`

	err := sqlx.GetContext(ctx, q, &wallet, query, scope.CustomerID, scope.UserID, scope.TeamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &wallet, nil
}

// pgTx implements ledger.Tx on one sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) (bool, error) {
	query := `
		INSERT INTO usage_events (
			event_id, customer_id, user_id, team_id, kind, provider, model, unit,
			input_tokens, output_tokens, image_count, quantity,
			credits_charged, cost_usd, pricing_source, metadata, idempotency_key,
			event_timestamp, ingested_at
		) VALUES (
			:event_id, :customer_id, :user_id, :team_id, :kind, :provider, :model, :unit,
			:input_tokens, :output_tokens, :image_count, :quantity,
			:credits_charged, :cost_usd, :pricing_source, :metadata, :idempotency_key,
			:event_timestamp, :ingested_at
		)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`

	rows, err := sqlx.NamedQueryContext(ctx, t.tx, query, event)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	if err := rows.Scan(&event.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to scan usage event: %w", err)
	}
	return true, rows.Err()
}

func (t *pgTx) GetOrCreateWallet(ctx context.Context, scope models.WalletScope) (*models.CreditWallet, error) {
	insert := `
		INSERT INTO credit_wallets (id, customer_id, user_id, team_id, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	if _, err := t.tx.ExecContext(ctx, insert, uuid.New(), scope.CustomerID, scope.UserID, scope.TeamID, models.DefaultCurrency); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet, err := findWallet(ctx, t.tx, scope)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, ledger.ErrWalletNotFound
	}
	return wallet, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, walletID uuid.UUID, delta int64, floorAtZero bool) (int64, bool, error) {
	query := `
		UPDATE credit_wallets
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
	`
	if floorAtZero {
		query += ` AND balance + $2 >= 0`
	}
	query += ` RETURNING balance`

	var balance int64
	err := t.tx.GetContext(ctx, &balance, query, walletID, delta)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to update balance: %w", err)
	}

	// no row: either the floor rejected the update or the wallet is gone
	err = t.tx.GetContext(ctx, &balance, `SELECT balance FROM credit_wallets WHERE id = $1 FOR UPDATE`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ledger.ErrWalletNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, false, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) (bool, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	query := `
		INSERT INTO credit_transactions (
			id, wallet_id, customer_id, kind, amount, balance_before, balance_after,
			description, metadata, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING seq, created_at
	`

	err := t.tx.QueryRowxContext(ctx, query,
		txn.ID, txn.WalletID, txn.CustomerID, txn.Kind, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.Description, txn.Metadata, txn.IdempotencyKey,
	).Scan(&txn.Seq, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return true, nil
}
