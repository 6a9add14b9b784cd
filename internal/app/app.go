// Package app assembles the pipeline from configuration. Both the worker
// process and the operator CLI build their components through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmonetize/openmonetize-sub001/internal/config"
	"github.com/openmonetize/openmonetize-sub001/internal/deadletter"
	"github.com/openmonetize/openmonetize-sub001/internal/httpapi"
	"github.com/openmonetize/openmonetize-sub001/internal/idempotency"
	"github.com/openmonetize/openmonetize-sub001/internal/ingest"
	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/pricing"
	"github.com/openmonetize/openmonetize-sub001/internal/processor"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/ratelimit"
	"github.com/openmonetize/openmonetize-sub001/internal/storage"
	"github.com/openmonetize/openmonetize-sub001/internal/storage/memory"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// CatalogAdmin is the pricing catalog plus the operations that change it
type CatalogAdmin interface {
	pricing.Catalog
	ListBurnTables(ctx context.Context, customerID *uuid.UUID) ([]*models.BurnTable, error)
	PublishBurnTable(ctx context.Context, customerID *uuid.UUID, rules models.BurnRules, validFrom time.Time) (*models.BurnTable, error)
	AddProviderCost(ctx context.Context, cost *models.ProviderCost) error
}

// EventReader reads persisted usage events back for operators
type EventReader interface {
	GetUsageEvent(ctx context.Context, customerID uuid.UUID, eventID string) (*models.UsageEvent, error)
	ListUsageEvents(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*models.UsageEvent, error)
}

// Backend is the relational side of the pipeline
type Backend struct {
	Ledger  ledger.Store
	Catalog CatalogAdmin
	Lookup  idempotency.Lookup
	Events  EventReader

	// DB is nil for the memory driver
	DB *storage.DB
}

// OpenBackend connects the configured storage driver
func OpenBackend(cfg *config.Config) (*Backend, error) {
	if cfg.Storage.Driver == "memory" {
		store := memory.NewStore()
		return &Backend{Ledger: store, Catalog: store, Lookup: store, Events: store}, nil
	}

	dbConfig := storage.DefaultDBConfig(cfg.Database.URL)
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	dbConfig.BurnTableCacheSize = cfg.Pricing.CacheSize
	dbConfig.BurnTableCacheTTL = cfg.Pricing.CacheTTL
	dbConfig.ProviderCostCacheSize = cfg.Pricing.CacheSize
	dbConfig.ProviderCostCacheTTL = cfg.Pricing.CacheTTL

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	events := db.NewUsageEventRepository()
	return &Backend{
		Ledger:  db.NewLedgerStore(),
		Catalog: db.NewCatalog(),
		Lookup:  events,
		Events:  events,
		DB:      db,
	}, nil
}

// Health checks the database, when there is one
func (b *Backend) Health(ctx context.Context) error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Health(ctx)
}

// Close releases the database connection
func (b *Backend) Close() error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

// QueueConfig maps the queue settings onto queue.Config
func QueueConfig(cfg *config.Config) *queue.Config {
	qc := queue.DefaultConfig(cfg.Queue.Name)
	qc.BatchSize = cfg.Queue.BatchSize
	qc.BlockTimeout = cfg.Queue.BlockTimeout
	qc.MaxAttempts = cfg.Queue.MaxAttempts
	qc.RetryBackoff = cfg.Queue.BackoffBase
	qc.MaxBackoff = cfg.Queue.BackoffMax
	qc.CompletedTTL = cfg.Queue.CompletedTTL
	qc.UseRedis = cfg.Queue.Backend == "redis"
	return qc
}

// OpenRedis connects to Redis when the queue or the limiter needs it
func OpenRedis(cfg *config.Config) (*storage.RedisClient, error) {
	if cfg.Queue.Backend != "redis" {
		return nil, nil
	}

	rc := storage.DefaultRedisConfig()
	rc.Address = cfg.Redis.Address
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	rc.PoolSize = cfg.Redis.PoolSize
	rc.MinIdleConns = cfg.Redis.MinIdleConns
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.ReadTimeout = cfg.Redis.ReadTimeout
	rc.WriteTimeout = cfg.Redis.WriteTimeout
	if floor := cfg.Queue.BlockTimeout + time.Second; rc.ReadTimeout < floor {
		rc.ReadTimeout = floor
	}

	client, err := storage.NewRedisClient(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}
	return client, nil
}

// OpenQueue creates the durable queue and its dead-letter store
func OpenQueue(qc *queue.Config, rc *storage.RedisClient) (queue.Queue, queue.DeadLetterQueue, error) {
	if !qc.UseRedis {
		return queue.NewMemoryQueue(qc), queue.NewMemoryDeadLetterQueue(), nil
	}
	if rc == nil {
		return nil, nil, errors.New("redis queue requires a redis client")
	}

	q, err := queue.NewRedisQueue(rc.Client(), qc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create queue: %w", err)
	}
	dlq, err := queue.NewRedisDeadLetterQueue(rc.Client(), qc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create dead-letter queue: %w", err)
	}
	return q, dlq, nil
}

// App holds every component of one pipeline process
type App struct {
	Config  *config.Config
	Backend *Backend
	Redis   *storage.RedisClient

	Queue      queue.Queue
	DeadLetter queue.DeadLetterQueue

	Engine     *ledger.Engine
	Resolver   *pricing.Resolver
	Processor  *processor.Processor
	Pool       *processor.WorkerPool
	Manager    *deadletter.Manager
	Ingest     *ingest.Service
	Router     http.Handler
	baseLogger *zap.Logger
}

// New builds the full pipeline. The returned App owns its connections; call Close.
func New(ctx context.Context, cfg *config.Config, base *zap.Logger) (*App, error) {
	policy, err := ledger.ParsePolicy(cfg.Ledger.WalletPolicy)
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Backend: backend, baseLogger: base}

	a.Redis, err = OpenRedis(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	qc := QueueConfig(cfg)
	a.Queue, a.DeadLetter, err = OpenQueue(qc, a.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	var limiter ratelimit.Limiter = ratelimit.NewLocalLimiter(cfg.Workers.MaxJobsPerSecond)
	if cfg.Workers.RateScope == "cluster" {
		limiter = ratelimit.NewRedisLimiter(a.Redis.Client(), cfg.Queue.Name, cfg.Workers.MaxJobsPerSecond, a.logger("ratelimit"))
	}

	var archiver deadletter.Archiver
	if cfg.ArchiveEnabled() {
		archiver, err = deadletter.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region, cfg.Archive.S3Prefix, cfg.PodName, a.logger("s3-archiver"))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Engine = ledger.NewEngine(backend.Ledger, policy, a.logger("ledger"))
	a.Resolver = pricing.NewResolver(backend.Catalog, cfg.Pricing.CreditsPerDollar, a.logger("pricing"))
	a.Processor = processor.NewProcessor(backend.Ledger, a.Engine, a.Resolver, a.logger("processor"))
	a.Pool = processor.NewWorkerPool(a.Queue, a.DeadLetter, a.Processor, limiter, qc, cfg.Workers.Concurrency, a.logger("usage-worker"))
	a.Manager = deadletter.NewManager(a.Queue, a.DeadLetter, archiver, deadletter.Config{
		ScanInterval:  cfg.DeadLetter.ScanInterval,
		StaleAfter:    cfg.DeadLetter.StaleAfter,
		ScanBatch:     cfg.DeadLetter.ScanBatch,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RetryBackoff:  cfg.Queue.BackoffBase,
		MaxBackoff:    cfg.Queue.BackoffMax,
		MaxItems:      cfg.DeadLetter.MaxItems,
		MaxAge:        cfg.DeadLetter.MaxAge,
		PurgeInterval: cfg.DeadLetter.PurgeInterval,
	}, processor.ConsumerID()+"-reaper", a.logger("deadletter"))

	filter := idempotency.NewFilter(backend.Lookup, cfg.Ingest.IdempotencyTimeout, a.logger("idempotency"))
	a.Ingest = ingest.NewService(a.Queue, filter, cfg.Ingest.MaxBatchSize, a.logger("ingest"))

	checks := map[string]httpapi.HealthCheck{
		"database": backend.Health,
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Health
	}
	a.Router = httpapi.NewRouter(httpapi.Dependencies{
		Ingest:       a.Ingest,
		Pricer:       a.Resolver,
		DeadLetter:   a.Manager,
		HealthChecks: checks,
		JWTSecret:    []byte(cfg.JWTSecret),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Logger:       a.logger("http"),
	})

	return a, nil
}

func (a *App) logger(name string) *utils.Logger {
	return utils.NewLogger(a.baseLogger, name)
}

// Close releases queues and connections
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.DeadLetter != nil {
		errs = append(errs, a.DeadLetter.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	return errors.Join(errs...)
}
