// Package deadletter inspects, replays and expires jobs that the worker pool
// gave up on, and reclaims deliveries whose consumer died before settling them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// listPageSize is the page used when walking the whole dead-letter store
const listPageSize = 100

// Config controls the manager
type Config struct {
	// ScanInterval is how often stale pending entries are reclaimed (0 disables)
	ScanInterval time.Duration

	// StaleAfter is the liveness threshold for unacknowledged deliveries
	StaleAfter time.Duration

	// ScanBatch caps the entries claimed per scan
	ScanBatch int64

	// MaxAttempts mirrors the queue's retry budget
	MaxAttempts int

	// RetryBackoff and MaxBackoff schedule rescued jobs that still have budget
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// MaxItems and MaxAge bound the dead-letter store (0 = unbounded)
	MaxItems int64
	MaxAge   time.Duration

	// PurgeInterval is how often retention runs (0 disables)
	PurgeInterval time.Duration
}

// DefaultConfig returns the manager defaults
func DefaultConfig() Config {
	return Config{
		ScanInterval:  30 * time.Second,
		StaleAfter:    5 * time.Minute,
		ScanBatch:     100,
		MaxAttempts:   3,
		RetryBackoff:  time.Second,
		MaxBackoff:    5 * time.Minute,
		MaxItems:      10000,
		MaxAge:        30 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// Counts is a snapshot of the queue and the dead-letter store
type Counts struct {
	DeadLettered int64 `json:"dead_lettered"`
	Waiting      int64 `json:"waiting"`
	Delayed      int64 `json:"delayed"`
	Pending      int64 `json:"pending"`
}

// ScanResult summarizes one stale-entry scan
type ScanResult struct {
	Claimed      int `json:"claimed"`
	DeadLettered int `json:"dead_lettered"`
	Rescheduled  int `json:"rescheduled"`
	Superseded   int `json:"superseded"` // settled by the original consumer first
}

// ReplayResult summarizes a replay request
type ReplayResult struct {
	Replayed      []string `json:"replayed"`
	AlreadyQueued []string `json:"already_queued"`
	Missing       []string `json:"missing"`
}

// Manager owns the dead-letter side of the pipeline
type Manager struct {
	queue    queue.Queue
	scanner  queue.StaleScanner
	dlq      queue.DeadLetterQueue
	archiver Archiver
	config   Config
	consumer string
	logger   *utils.Logger
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a dead-letter manager. Stale scanning is enabled when
// q also implements queue.StaleScanner. archiver may be nil.
func NewManager(q queue.Queue, dlq queue.DeadLetterQueue, archiver Archiver, config Config, consumer string, logger *utils.Logger) *Manager {
	if logger == nil {
		logger = utils.NopLogger()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if consumer == "" {
		consumer = "deadletter-manager"
	}

	scanner, _ := q.(queue.StaleScanner)
	return &Manager{
		queue:    q,
		scanner:  scanner,
		dlq:      dlq,
		archiver: archiver,
		config:   config,
		consumer: consumer,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs the scan and purge loops until ctx is cancelled or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting dead-letter manager",
		"scan_interval", m.config.ScanInterval,
		"stale_after", m.config.StaleAfter,
		"purge_interval", m.config.PurgeInterval,
		"stale_scan", m.scanner != nil,
	)

	if m.scanner != nil && m.config.ScanInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.ScanInterval, func(ctx context.Context) error {
			_, err := m.ScanStale(ctx)
			return err
		}, "Stale scan failed")
	}

	if m.config.PurgeInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.PurgeInterval, func(ctx context.Context) error {
			_, err := m.Purge(ctx)
			return err
		}, "Dead-letter purge failed")
	}
}

// Stop signals the loops and waits for them
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return nil
}

// loop runs fn every interval. Errors are logged and the loop continues.
func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error, failMsg string) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error(failMsg, "error", err)
			}
			m.refreshGauge(ctx)
		}
	}
}

func (m *Manager) refreshGauge(ctx context.Context) {
	count, err := m.dlq.Count(ctx)
	if err != nil {
		return
	}
	metrics.DeadLetterSize.Set(float64(count))
}

// ScanStale claims deliveries that stayed unacknowledged past StaleAfter.
// The lost delivery counts as a failed attempt. Jobs whose attempts or
// delivery count reached MaxAttempts are dead-lettered, the rest are
// rescheduled with backoff.
func (m *Manager) ScanStale(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	if m.scanner == nil {
		return result, nil
	}

	deliveries, err := m.scanner.ClaimStale(ctx, m.consumer, m.config.StaleAfter, m.config.ScanBatch)
	if err != nil {
		return result, fmt.Errorf("failed to claim stale entries: %w", err)
	}
	result.Claimed = len(deliveries)

	var errs []error
	for _, d := range deliveries {
		d.Job.Attempts++
		cause := fmt.Errorf("delivery not acknowledged within %s (deliveries: %d)", m.config.StaleAfter, d.Deliveries)
		d.Job.LastError = cause.Error()

		if d.Job.Attempts >= m.config.MaxAttempts || d.Deliveries >= int64(m.config.MaxAttempts) {
			if err := queue.MoveToDeadLetter(ctx, m.queue, m.dlq, d, cause, queue.SourceStalePending); err != nil {
				if errors.Is(err, queue.ErrStaleDelivery) {
					result.Superseded++
					continue
				}
				errs = append(errs, fmt.Errorf("job %s: %w", d.Job.ID, err))
				continue
			}
			result.DeadLettered++
			metrics.RecordJobOutcome(metrics.OutcomeDeadLettered)
			m.logger.Warn("Stale job moved to dead-letter store",
				"job_id", d.Job.ID,
				"attempts", d.Job.Attempts,
				"deliveries", d.Deliveries,
			)
			continue
		}

		delay := queue.Backoff(m.config.RetryBackoff, m.config.MaxBackoff, d.Job.Attempts)
		if err := m.queue.Retry(ctx, d, delay, cause); err != nil {
			if errors.Is(err, queue.ErrStaleDelivery) {
				result.Superseded++
				continue
			}
			errs = append(errs, fmt.Errorf("job %s: %w", d.Job.ID, err))
			continue
		}
		result.Rescheduled++
		metrics.RecordJobOutcome(metrics.OutcomeRetried)
	}

	if result.Claimed > 0 {
		m.logger.Info("Stale scan completed",
			"claimed", result.Claimed,
			"dead_lettered", result.DeadLettered,
			"rescheduled", result.Rescheduled,
			"superseded", result.Superseded,
		)
	}
	return result, errors.Join(errs...)
}

// List returns a page of dead-lettered items, oldest first
func (m *Manager) List(ctx context.Context, offset, limit int) ([]queue.DeadLetterItem, error) {
	items, err := m.dlq.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter items: %w", err)
	}
	return items, nil
}

// Get returns one dead-lettered item
func (m *Manager) Get(ctx context.Context, id string) (*queue.DeadLetterItem, error) {
	return m.dlq.Get(ctx, id)
}

// Counts returns the dead-letter size alongside the queue's own counts
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	dead, err := m.dlq.Count(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count dead-letter items: %w", err)
	}
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	metrics.DeadLetterSize.Set(float64(dead))

	return Counts{
		DeadLettered: dead,
		Waiting:      stats.Waiting,
		Delayed:      stats.Delayed,
		Pending:      stats.Pending,
	}, nil
}

// Replay re-enqueues the given dead-lettered jobs under their original ids with
// a fresh attempt budget, then removes them from the dead-letter store. Ids
// that are not dead-lettered are reported in Missing. A job whose id is still
// live in the queue is reported in AlreadyQueued and dropped from the store.
func (m *Manager) Replay(ctx context.Context, ids []string) (ReplayResult, error) {
	result := ReplayResult{
		Replayed:      []string{},
		AlreadyQueued: []string{},
		Missing:       []string{},
	}

	for _, id := range ids {
		item, err := m.dlq.Get(ctx, id)
		if errors.Is(err, queue.ErrItemNotFound) {
			result.Missing = append(result.Missing, id)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to load dead-letter item %s: %w", id, err)
		}

		enqueued, err := m.queue.Enqueue(ctx, item.Job())
		if err != nil {
			return result, fmt.Errorf("failed to re-enqueue job %s: %w", id, err)
		}

		if err := m.dlq.Remove(ctx, id); err != nil && !errors.Is(err, queue.ErrItemNotFound) {
			// the job is queued again; a leftover entry only risks a redundant replay
			m.logger.Warn("Failed to remove replayed item", "job_id", id, "error", err)
		}

		if !enqueued {
			result.AlreadyQueued = append(result.AlreadyQueued, id)
			continue
		}
		result.Replayed = append(result.Replayed, id)
		metrics.DeadLetterReplayedTotal.Inc()
	}

	m.logger.Info("Dead-letter replay completed",
		"requested", len(ids),
		"replayed", len(result.Replayed),
		"already_queued", len(result.AlreadyQueued),
		"missing", len(result.Missing),
	)
	return result, nil
}

// ReplayAll replays every item currently in the dead-letter store
func (m *Manager) ReplayAll(ctx context.Context) (ReplayResult, error) {
	items, err := m.all(ctx)
	if err != nil {
		return ReplayResult{}, err
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	return m.Replay(ctx, ids)
}

// all reads the whole dead-letter store, oldest first
func (m *Manager) all(ctx context.Context) ([]queue.DeadLetterItem, error) {
	var items []queue.DeadLetterItem
	for offset := 0; ; offset += listPageSize {
		page, err := m.List(ctx, offset, listPageSize)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(page) < listPageSize {
			return items, nil
		}
	}
}

// Purge evicts items older than MaxAge and the oldest items beyond MaxItems.
// With an archiver configured, evicted items are archived first and nothing
// is removed when archiving fails.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	if m.config.MaxItems <= 0 && m.config.MaxAge <= 0 {
		return 0, nil
	}

	items, err := m.all(ctx)
	if err != nil {
		return 0, err
	}

	overflow := 0
	if m.config.MaxItems > 0 && int64(len(items)) > m.config.MaxItems {
		overflow = len(items) - int(m.config.MaxItems)
	}

	now := m.now()
	var evict []queue.DeadLetterItem
	for i, item := range items {
		expired := m.config.MaxAge > 0 && now.Sub(item.FailedAt) > m.config.MaxAge
		if i < overflow || expired {
			evict = append(evict, item)
		}
	}
	if len(evict) == 0 {
		return 0, nil
	}

	if m.archiver != nil {
		if _, err := m.archiver.Archive(ctx, evict); err != nil {
			return 0, fmt.Errorf("failed to archive dead-letter items: %w", err)
		}
	}

	purged := 0
	for _, item := range evict {
		if err := m.dlq.Remove(ctx, item.ID); err != nil {
			if errors.Is(err, queue.ErrItemNotFound) {
				continue
			}
			return purged, fmt.Errorf("failed to remove dead-letter item %s: %w", item.ID, err)
		}
		purged++
	}

	metrics.DeadLetterPurgedTotal.Add(float64(purged))
	m.logger.Info("Purged dead-letter items", "count", purged, "archived", m.archiver != nil)
	return purged, nil
}
