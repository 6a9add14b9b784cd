// Package ingest accepts usage event batches and hands each new event to the
// durable queue as its own job. Acceptance is asynchronous: pricing and the
// ledger write happen later in the worker pool.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openmonetize/openmonetize-sub001/internal/idempotency"
	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// DefaultMaxBatchSize bounds a batch when no limit is configured
const DefaultMaxBatchSize = 1000

var (
	// ErrInvalidBatch is returned when the batch as a whole cannot be accepted
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrEnqueueFailed is returned when the queue rejected a write. Resubmitting
	// the same batch is safe: jobs already queued collide and are skipped.
	ErrEnqueueFailed = errors.New("failed to enqueue events")
)

// EventError explains why one event of a batch was rejected
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// BatchResult is returned to the submitter once the batch is queued
type BatchResult struct {
	BatchID    uuid.UUID    `json:"batch_id"`
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Errors     []EventError `json:"errors"`
}

// Service validates, deduplicates and enqueues event batches
type Service struct {
	queue        queue.Queue
	filter       *idempotency.Filter
	maxBatchSize int
	logger       *utils.Logger
	now          func() time.Time
}

// NewService creates an ingestion service
func NewService(q queue.Queue, filter *idempotency.Filter, maxBatchSize int, logger *utils.Logger) *Service {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Service{
		queue:        q,
		filter:       filter,
		maxBatchSize: maxBatchSize,
		logger:       logger,
		now:          time.Now,
	}
}

// MaxBatchSize returns the largest accepted batch
func (s *Service) MaxBatchSize() int {
	return s.maxBatchSize
}

// Submit accepts a batch for customerID. Invalid events are rejected
// individually; the rest of the batch still goes through. Events that carry
// no customer id inherit customerID, events for another customer are rejected.
func (s *Service) Submit(ctx context.Context, customerID uuid.UUID, events []models.Event) (*BatchResult, error) {
	if customerID == uuid.Nil {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidBatch)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrInvalidBatch)
	}
	if len(events) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: batch has %d events, limit is %d", ErrInvalidBatch, len(events), s.maxBatchSize)
	}

	result := &BatchResult{
		BatchID: uuid.New(),
		Errors:  []EventError{},
	}
	ingestedAt := s.now().UTC()

	valid := make([]*models.Event, 0, len(events))
	for i := range events {
		event := &events[i]
		if event.CustomerID == uuid.Nil {
			event.CustomerID = customerID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = ingestedAt
		}

		var err error
		if event.CustomerID != customerID {
			err = fmt.Errorf("%w: event belongs to another customer", models.ErrInvalidEvent)
		} else {
			err = event.Validate()
		}
		if err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, EventError{Index: i, EventID: event.EventID, Error: err.Error()})
			continue
		}
		valid = append(valid, event)
	}

	partition := s.filter.Partition(ctx, customerID, valid)
	result.Duplicates = len(partition.Duplicates)

	for _, event := range partition.New {
		payload, err := json.Marshal(models.EventEnvelope{
			BatchID:    result.BatchID,
			IngestedAt: ingestedAt,
			Event:      *event,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
		}

		enqueued, err := s.queue.Enqueue(ctx, &queue.Job{ID: event.JobID(), Payload: payload})
		if err != nil {
			s.logger.Error("Failed to enqueue event",
				"customer_id", customerID,
				"event_id", event.EventID,
				"batch_id", result.BatchID,
				"error", err,
			)
			return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
		}
		if !enqueued {
			// same event id already queued or just completed
			result.Duplicates++
			continue
		}
		result.Accepted++
	}

	metrics.RecordIngest(result.Accepted, result.Duplicates, result.Rejected)
	s.logger.Info("Batch accepted",
		"customer_id", customerID,
		"batch_id", result.BatchID,
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected,
		"failed_open", partition.FailedOpen,
	)
	return result, nil
}
