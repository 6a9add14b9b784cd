package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Pricing catalog caches; burn tables change by publication, costs rarely
	burnTableCache    *LRUCache
	providerCostCache *LRUCache
}

// DBConfig holds database configuration
type DBConfig struct {
	URL string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	BurnTableCacheSize    int
	BurnTableCacheTTL     time.Duration
	ProviderCostCacheSize int
	ProviderCostCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig(url string) DBConfig {
	return DBConfig{
		URL: url,

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		BurnTableCacheSize:    1000,
		BurnTableCacheTTL:     30 * time.Second,
		ProviderCostCacheSize: 1000,
		ProviderCostCacheTTL:  30 * time.Second,
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, ErrInvalidDatabaseURL
	}

	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{
		conn:              conn,
		burnTableCache:    NewLRUCache(cfg.BurnTableCacheSize, cfg.BurnTableCacheTTL),
		providerCostCache: NewLRUCache(cfg.ProviderCostCacheSize, cfg.ProviderCostCacheTTL),
	}, nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.burnTableCache.Clear()
	db.providerCostCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats holds pool and cache statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration

	BurnTableCacheStats    CacheStats
	ProviderCostCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		BurnTableCacheStats:    db.burnTableCache.GetStats(),
		ProviderCostCacheStats: db.providerCostCache.GetStats(),
	}
}

// ReportMetrics publishes the current statistics to the Prometheus gauges
func (db *DB) ReportMetrics() DBStats {
	stats := db.GetStats()

	metrics.RecordDBPool(stats.OpenConnections, stats.InUse, stats.Idle, stats.WaitCount)
	metrics.RecordPricingCache("burn_table", stats.BurnTableCacheStats.Size,
		stats.BurnTableCacheStats.Hits, stats.BurnTableCacheStats.Misses)
	metrics.RecordPricingCache("provider_cost", stats.ProviderCostCacheStats.Size,
		stats.ProviderCostCacheStats.Hits, stats.ProviderCostCacheStats.Misses)

	return stats
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// GetBurnTableCache returns the active burn table cache
func (db *DB) GetBurnTableCache() *LRUCache {
	return db.burnTableCache
}

// GetProviderCostCache returns the provider cost cache
func (db *DB) GetProviderCostCache() *LRUCache {
	return db.providerCostCache
}

// CleanupExpiredCacheEntries removes expired entries from all caches
func (db *DB) CleanupExpiredCacheEntries() (burnTablesRemoved, costsRemoved int) {
	burnTablesRemoved = db.burnTableCache.CleanupExpired()
	costsRemoved = db.providerCostCache.CleanupExpired()
	return
}

// Repository factory methods

// NewUsageEventRepository creates a new usage event repository
func (db *DB) NewUsageEventRepository() *UsageEventRepository {
	return NewUsageEventRepository(db)
}

// NewBurnTableRepository creates a new burn table repository
func (db *DB) NewBurnTableRepository() *BurnTableRepository {
	return NewBurnTableRepository(db)
}

// NewProviderCostRepository creates a new provider cost repository
func (db *DB) NewProviderCostRepository() *ProviderCostRepository {
	return NewProviderCostRepository(db)
}

// NewLedgerStore creates the Postgres-backed ledger store
func (db *DB) NewLedgerStore() *LedgerStore {
	return NewLedgerStore(db)
}

// NewCatalog creates the pricing catalog over the burn table and cost repositories
func (db *DB) NewCatalog() *Catalog {
	return &Catalog{
		BurnTableRepository:    NewBurnTableRepository(db),
		ProviderCostRepository: NewProviderCostRepository(db),
	}
}

// Catalog serves pricing lookups from both catalog repositories
type Catalog struct {
	*BurnTableRepository
	*ProviderCostRepository
}
