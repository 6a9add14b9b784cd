package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
)

// setupTestDB connects to TEST_DATABASE_URL, applies migrations and empties
// the tables. Tests are skipped when the variable is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := NewDB(DefaultDBConfig(url))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	_, err = db.Conn().ExecContext(ctx, `
		TRUNCATE usage_events, credit_transactions, credit_wallets, burn_tables, provider_costs`)
	require.NoError(t, err)

	return db
}

func TestLedgerStore_BurnAndHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := db.NewLedgerStore()
	engine := ledger.NewEngine(store, ledger.PolicySoft, nil)
	scope := models.ScopeFor(uuid.New(), nil, nil)

	_, err := engine.Credit(ctx, ledger.CreditRequest{Scope: scope, Kind: models.TransactionGrant, Amount: 10})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := engine.Burn(ctx, tx, ledger.BurnRequest{
			Scope:          scope,
			Credits:        100,
			IdempotencyKey: models.BurnIdempotencyKey(scope.CustomerID, "evt-1"),
		})
		return err
	})
	require.NoError(t, err)

	balance, err := engine.Balance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(-90), balance)

	history, err := engine.History(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(10), history[0].BalanceBefore)
	assert.Equal(t, int64(-90), history[0].BalanceAfter)
}

func TestLedgerStore_HardPolicyFloor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := db.NewLedgerStore()
	engine := ledger.NewEngine(store, ledger.PolicyHard, nil)
	scope := models.ScopeFor(uuid.New(), nil, nil)

	_, err := engine.Credit(ctx, ledger.CreditRequest{Scope: scope, Kind: models.TransactionGrant, Amount: 5})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := engine.Burn(ctx, tx, ledger.BurnRequest{Scope: scope, Credits: 6})
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := engine.Balance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestLedgerStore_ConcurrentBurnsSerialize(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := db.NewLedgerStore()
	engine := ledger.NewEngine(store, ledger.PolicySoft, nil)
	scope := models.ScopeFor(uuid.New(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(ctx, func(tx ledger.Tx) error {
				_, err := engine.Burn(ctx, tx, ledger.BurnRequest{Scope: scope, Credits: 3})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := engine.History(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, history, 20)
	assert.Equal(t, int64(-60), history[0].BalanceAfter)
	for i := 0; i < len(history)-1; i++ {
		assert.Equal(t, history[i+1].BalanceAfter, history[i].BalanceBefore)
	}
}

func TestLedgerStore_UsageEventDeduplication(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := db.NewLedgerStore()
	events := db.NewUsageEventRepository()

	customer := uuid.New()
	key := "req-1"
	insert := func(eventID string) bool {
		var inserted bool
		err := store.WithinTx(ctx, func(tx ledger.Tx) error {
			var err error
			inserted, err = tx.InsertUsageEvent(ctx, &models.UsageEvent{
				EventID:        eventID,
				CustomerID:     customer,
				Kind:           models.EventKindTokenUsage,
				IdempotencyKey: &key,
				PricingSource:  "none",
				EventTimestamp: time.Now(),
				IngestedAt:     time.Now(),
			})
			return err
		})
		require.NoError(t, err)
		return inserted
	}

	assert.True(t, insert("evt-1"))
	assert.False(t, insert("evt-1"), "same event id")
	assert.False(t, insert("evt-2"), "same idempotency key")

	ids, err := events.ExistingEventIDs(ctx, customer, []string{"evt-1", "evt-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"evt-1": true}, ids)

	keys, err := events.ExistingIdempotencyKeys(ctx, customer, []string{key, "other"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{key: true}, keys)

	event, err := events.GetUsageEvent(ctx, customer, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.EventID)

	_, err = events.GetUsageEvent(ctx, customer, "evt-2")
	assert.ErrorIs(t, err, ErrUsageEventNotFound)

	listed, err := events.ListUsageEvents(ctx, customer, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "evt-1", listed[0].EventID)
}

func TestBurnTableRepository_PublishVersions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := db.NewBurnTableRepository()
	customer := uuid.New()

	none, err := repo.ActiveBurnTable(ctx, &customer)
	require.NoError(t, err)
	assert.Nil(t, none)

	rules := models.BurnRules{"gpt-4": {InputRate: decimal.NewFromInt(2), OutputRate: decimal.NewFromInt(4), PerUnit: 1000}}
	v1, err := repo.PublishBurnTable(ctx, &customer, rules, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := repo.PublishBurnTable(ctx, &customer, rules, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	active, err := repo.ActiveBurnTable(ctx, &customer)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID, "publish invalidates the cached absence")

	all, err := repo.ListBurnTables(ctx, &customer)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[1].IsActive)
	assert.NotNil(t, all[1].ValidUntil)

	global, err := repo.PublishBurnTable(ctx, nil, rules, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, global.Version)
	assert.True(t, global.IsGlobal())

	// the global publish leaves the customer's active table alone
	active, err = repo.ActiveBurnTable(ctx, &customer)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)
	assert.Nil(t, active.ValidUntil)

	all, err = repo.ListBurnTables(ctx, &customer)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].IsActive)
	assert.False(t, all[1].IsActive)
}

func TestProviderCostRepository_ValidityWindow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := db.NewProviderCostRepository()

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.AddProviderCost(ctx, &models.ProviderCost{
		Provider: "openai", Model: "gpt-4", CostType: models.CostTypeInput,
		CostPerUnit: decimal.RequireFromString("3"), UnitSize: 1_000_000, ValidFrom: jan,
	}))
	require.NoError(t, repo.AddProviderCost(ctx, &models.ProviderCost{
		Provider: "openai", Model: "gpt-4", CostType: models.CostTypeInput,
		CostPerUnit: decimal.RequireFromString("2.5"), UnitSize: 1_000_000, ValidFrom: jun,
	}))

	old, err := repo.ProviderCost(ctx, "openai", "gpt-4", models.CostTypeInput, jan.AddDate(0, 2, 0))
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.True(t, old.CostPerUnit.Equal(decimal.NewFromInt(3)))

	current, err := repo.ProviderCost(ctx, "openai", "gpt-4", models.CostTypeInput, jun.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.True(t, current.CostPerUnit.Equal(decimal.RequireFromString("2.5")))

	missing, err := repo.ProviderCost(ctx, "openai", "gpt-4", models.CostTypeOutput, jun)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDB_ReportMetrics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := db.NewBurnTableRepository()

	customer := uuid.New()
	_, err := repo.ActiveBurnTable(ctx, &customer)
	require.NoError(t, err)
	_, err = repo.ActiveBurnTable(ctx, &customer)
	require.NoError(t, err)

	stats := db.ReportMetrics()
	assert.Greater(t, stats.OpenConnections, 0)
	assert.Equal(t, uint64(1), stats.BurnTableCacheStats.Hits)
	assert.Equal(t, uint64(1), stats.BurnTableCacheStats.Misses)
}
