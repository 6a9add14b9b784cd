package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Package queue provides the durable, job-addressed queue that sits between
// ingestion and the ledger workers, with two backends:
//
// 1. Memory Queue (in-process):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//    - Used for standalone runs and tests
//
// 2. Redis Queue (Redis Streams + job hashes):
//    - Persistent across restarts
//    - Consumer group shared by distributed workers
//    - Unacknowledged entries can be reclaimed after a liveness threshold
//
// Architecture:
//
//	┌─────────────┐
//	│   Ingest    │  Enqueue(job id = customer:event)
//	└──────┬──────┘
//	       │  (id collision = duplicate, no-op)
//	       ▼
//	┌──────────────┐   Retry(delay)   ┌──────────────┐
//	│   Stream /   │◄─────────────────┤   Delayed    │
//	│   waiting    │   (promote due)  │   set        │
//	└──────┬───────┘                  └──────▲───────┘
//	       │ Dequeue                         │
//	       ▼                                 │
//	┌──────────────┐  error, attempts < max  │
//	│   Worker     ├─────────────────────────┘
//	│   (pending)  │
//	└──────┬───────┘
//	       │
//	       ├──── success ──► Ack
//	       │
//	       └──── attempts >= max ──► DLQ Add + Remove
//
// Features:
// - Job identity preserved end to end (enqueue, retry, dead-letter, replay)
// - Retry with exponential backoff (base × 2^(attempts-1))
// - Dead-letter store keyed by the original job id
// - Stale pending entries reclaimed by the dead-letter manager

// Job is one unit of durable work. ID is caller-chosen and unique while the
// job is live; enqueuing an existing ID is a no-op.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Delivery is a job handed to a consumer. It must be settled with exactly
// one of Ack, Retry or Remove.
type Delivery struct {
	Job *Job

	// Deliveries counts how many times the entry has been handed out,
	// including this one.
	Deliveries int64

	ref string
}

// Ref returns the backend reference of the delivery (stream entry id for Redis)
func (d *Delivery) Ref() string {
	return d.ref
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Waiting int64 `json:"waiting"`
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
}

// Queue defines the interface for the durable job queue
type Queue interface {
	// Enqueue adds a job. Returns false without error when a job with the same
	// ID is already queued, in flight, delayed or recently completed.
	Enqueue(ctx context.Context, job *Job) (bool, error)

	// Dequeue hands up to maxItems jobs to consumer, waiting at most timeout
	// for the first one. Returns an empty slice on timeout.
	Dequeue(ctx context.Context, consumer string, maxItems int, timeout time.Duration) ([]*Delivery, error)

	// Ack marks the delivery as completed
	Ack(ctx context.Context, d *Delivery) error

	// Retry persists d.Job.Attempts and cause, and reschedules the job after delay
	Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error

	// Remove drops the job entirely (used after it was copied to the dead-letter store)
	Remove(ctx context.Context, d *Delivery) error

	// Stats returns waiting, pending and delayed counts
	Stats(ctx context.Context) (Stats, error)

	// Length returns the number of outstanding jobs (waiting + pending + delayed)
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// StaleScanner is implemented by backends that track per-consumer pending entries
type StaleScanner interface {
	// ClaimStale transfers to consumer up to count entries that have been
	// pending for at least minIdle and returns them.
	ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Delivery, error)
}

// Dead-letter sources
const (
	SourceRetriesExhausted = "retries_exhausted"
	SourcePermanentFailure = "permanent_failure"
	SourceStalePending     = "stale_pending"
)

// DeadLetterQueue defines the interface for handling failed jobs
type DeadLetterQueue interface {
	// Add stores the job under its original ID with error info.
	// An existing entry with the same ID is replaced.
	Add(ctx context.Context, job *Job, cause error, source string) error

	// List returns items ordered by failure time, oldest first
	List(ctx context.Context, offset, limit int) ([]DeadLetterItem, error)

	// Get returns one item by job ID
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Count returns the number of dead-lettered items
	Count(ctx context.Context) (int64, error)

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents a job in the dead letter queue
type DeadLetterItem struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Attempts   int             `json:"attempts"`
	Source     string          `json:"source"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FailedAt   time.Time       `json:"failed_at"`
}

// Job rebuilds a fresh job from the item, keeping its original ID
func (i *DeadLetterItem) Job() *Job {
	return &Job{
		ID:      i.ID,
		Payload: i.Payload,
	}
}

// Config holds queue configuration
type Config struct {
	// QueueName is the name used to derive backend keys
	QueueName string

	// BatchSize is the maximum number of jobs a worker takes per Dequeue
	BatchSize int

	// BlockTimeout is how long Dequeue waits for the first job
	BlockTimeout time.Duration

	// MaxAttempts is the number of failed attempts after which a job is dead-lettered
	MaxAttempts int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential backoff (0 = uncapped)
	MaxBackoff time.Duration

	// CompletedTTL is how long completed job ids are remembered for collision detection
	CompletedTTL time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		QueueName:    queueName,
		BatchSize:    10,
		BlockTimeout: 2 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 1 * time.Second,
		MaxBackoff:   5 * time.Minute,
		CompletedTTL: 1 * time.Hour,
		UseRedis:     false,
	}
}

// Backoff returns base × 2^(attempts-1), capped at ceiling when ceiling > 0
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// MoveToDeadLetter settles the delivery by removing it from q, then stores
// the job with its cause in dlq. A stale delivery fails with ErrStaleDelivery
// and leaves both stores untouched. When dlq rejects the job it is enqueued
// again so it is not lost.
func MoveToDeadLetter(ctx context.Context, q Queue, dlq DeadLetterQueue, d *Delivery, cause error, source string) error {
	if dlq == nil {
		return fmt.Errorf("no dead-letter store configured")
	}
	if err := q.Remove(ctx, d); err != nil {
		return fmt.Errorf("failed to remove job before dead-lettering: %w", err)
	}
	if err := dlq.Add(ctx, d.Job, cause, source); err != nil {
		addErr := fmt.Errorf("failed to add job to dead-letter store: %w", err)
		if _, requeueErr := q.Enqueue(ctx, d.Job); requeueErr != nil {
			return errors.Join(addErr, fmt.Errorf("failed to requeue job %s: %w", d.Job.ID, requeueErr))
		}
		return addErr
	}
	return nil
}
