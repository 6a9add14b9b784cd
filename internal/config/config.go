package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the usage pipeline processes.
type Config struct {
	PodName    string           `envconfig:"POD_NAME" default:"ledger-0"`
	JWTSecret  string           `envconfig:"JWT_SECRET" default:"supersecretkey"`
	Storage    StorageConfig    `envconfig:"STORAGE"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Queue      QueueConfig      `envconfig:"QUEUE"`
	Workers    WorkerConfig     `envconfig:"WORKER"`
	Pricing    PricingConfig    `envconfig:"PRICING"`
	Ledger     LedgerConfig     `envconfig:"LEDGER"`
	Ingest     IngestConfig     `envconfig:"INGEST"`
	DeadLetter DeadLetterConfig `envconfig:"DEADLETTER"`
	Archive    ArchiveConfig    `envconfig:"ARCHIVE"`
	HTTP       HTTPConfig       `envconfig:"HTTP"`
	Log        LogConfig        `envconfig:"LOG"`
}

// StorageConfig selects the relational store implementation
type StorageConfig struct {
	Driver string `envconfig:"DRIVER" default:"postgres"` // postgres or memory
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string        `envconfig:"URL"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `envconfig:"CONN_MAX_IDLE_TIME" default:"1m"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `envconfig:"ADDRESS" default:"localhost:6379"`
	Password     string        `envconfig:"PASSWORD"`
	DB           int           `envconfig:"DB" default:"0"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// QueueConfig holds durable queue settings
type QueueConfig struct {
	Backend      string        `envconfig:"BACKEND" default:"redis"` // redis or memory
	Name         string        `envconfig:"NAME" default:"usage-events"`
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffBase  time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax   time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
	CompletedTTL time.Duration `envconfig:"COMPLETED_TTL" default:"1h"`
	BlockTimeout time.Duration `envconfig:"BLOCK_TIMEOUT" default:"2s"`
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"10"`
}

// WorkerConfig controls the processing worker pool
type WorkerConfig struct {
	Concurrency      int     `envconfig:"CONCURRENCY" default:"8"`
	MaxJobsPerSecond float64 `envconfig:"MAX_JOBS_PER_SECOND" default:"200"`
	RateScope        string  `envconfig:"RATE_SCOPE" default:"local"` // local or cluster
}

// PricingConfig holds pricing resolver settings
type PricingConfig struct {
	CreditsPerDollar decimal.Decimal `envconfig:"CREDITS_PER_DOLLAR" default:"1000"`
	CacheSize        int             `envconfig:"CACHE_SIZE" default:"1000"`
	CacheTTL         time.Duration   `envconfig:"CACHE_TTL" default:"30s"`
}

// LedgerConfig holds ledger engine settings
type LedgerConfig struct {
	WalletPolicy string `envconfig:"WALLET_POLICY" default:"SOFT"` // HARD, SOFT or NONE
}

// IngestConfig holds ingestion boundary settings
type IngestConfig struct {
	MaxBatchSize       int           `envconfig:"MAX_BATCH_SIZE" default:"1000"`
	IdempotencyTimeout time.Duration `envconfig:"IDEMPOTENCY_TIMEOUT" default:"2s"`
}

// DeadLetterConfig controls the dead-letter manager
type DeadLetterConfig struct {
	ScanInterval  time.Duration `envconfig:"SCAN_INTERVAL" default:"30s"`
	StaleAfter    time.Duration `envconfig:"STALE_AFTER" default:"5m"`
	ScanBatch     int64         `envconfig:"SCAN_BATCH" default:"100"`
	MaxItems      int64         `envconfig:"MAX_ITEMS" default:"10000"`
	MaxAge        time.Duration `envconfig:"MAX_AGE" default:"720h"`
	PurgeInterval time.Duration `envconfig:"PURGE_INTERVAL" default:"1h"`
}

// ArchiveConfig holds the S3 dead-letter archive settings. Empty bucket disables archiving.
type ArchiveConfig struct {
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"dead-letter/"`
}

// HTTPConfig holds the HTTP surface settings
type HTTPConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"5242880"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

// ArchiveEnabled reports whether evicted dead-letter items are archived to S3
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.S3Bucket != ""
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Queue.Backend = strings.ToLower(c.Queue.Backend)
	c.Workers.RateScope = strings.ToLower(c.Workers.RateScope)
	c.Ledger.WalletPolicy = strings.ToUpper(c.Ledger.WalletPolicy)

	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase < 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must not be negative")
	}

	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Workers.MaxJobsPerSecond < 0 {
		return fmt.Errorf("WORKER_MAX_JOBS_PER_SECOND must not be negative")
	}
	switch c.Workers.RateScope {
	case "local", "cluster":
	default:
		return fmt.Errorf("unknown WORKER_RATE_SCOPE %q", c.Workers.RateScope)
	}
	if c.Workers.RateScope == "cluster" && c.Queue.Backend != "redis" {
		return fmt.Errorf("WORKER_RATE_SCOPE=cluster requires QUEUE_BACKEND=redis")
	}
	// the cluster window counts whole calls per second
	if c.Workers.RateScope == "cluster" && c.Workers.MaxJobsPerSecond != math.Trunc(c.Workers.MaxJobsPerSecond) {
		return fmt.Errorf("WORKER_MAX_JOBS_PER_SECOND must be a whole number with WORKER_RATE_SCOPE=cluster, got %v", c.Workers.MaxJobsPerSecond)
	}

	if !c.Pricing.CreditsPerDollar.IsPositive() {
		return fmt.Errorf("PRICING_CREDITS_PER_DOLLAR must be positive")
	}

	switch c.Ledger.WalletPolicy {
	case "HARD", "SOFT", "NONE":
	default:
		return fmt.Errorf("unknown LEDGER_WALLET_POLICY %q", c.Ledger.WalletPolicy)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("INGEST_MAX_BATCH_SIZE must be positive")
	}

	return nil
}
