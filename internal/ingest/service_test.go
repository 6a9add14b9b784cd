package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmonetize/openmonetize-sub001/internal/idempotency"
	"github.com/openmonetize/openmonetize-sub001/internal/ledger"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/storage/memory"
)

func newTestService(t *testing.T, maxBatch int) (*Service, *memory.Store, *queue.MemoryQueue) {
	t.Helper()
	store := memory.NewStore()
	q := queue.NewMemoryQueue(queue.DefaultConfig("ingest-test"))
	t.Cleanup(func() { q.Close() })
	return NewService(q, idempotency.NewFilter(store, time.Second, nil), maxBatch, nil), store, q
}

func tokenEvent(id string) models.Event {
	return models.Event{
		EventID: id,
		Kind:    models.EventKindTokenUsage,
		Tokens:  &models.TokenUsage{Provider: "openai", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50},
	}
}

func TestSubmit_AcceptsAndRejects(t *testing.T) {
	svc, _, q := newTestService(t, 0)
	ctx := context.Background()
	customer := uuid.New()

	bad := tokenEvent("evt-bad")
	bad.Tokens.InputTokens = -1
	noKind := models.Event{EventID: "evt-nokind"}

	result, err := svc.Submit(ctx, customer, []models.Event{tokenEvent("evt-1"), bad, tokenEvent("evt-2"), noKind})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, result.BatchID)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Duplicates)
	assert.Equal(t, 2, result.Rejected)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "evt-bad", result.Errors[0].EventID)
	assert.Equal(t, 3, result.Errors[1].Index)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, length)
}

func TestSubmit_JobCarriesEnvelope(t *testing.T) {
	svc, _, q := newTestService(t, 0)
	ctx := context.Background()
	customer := uuid.New()

	result, err := svc.Submit(ctx, customer, []models.Event{tokenEvent("evt-1")})
	require.NoError(t, err)

	deliveries, err := q.Dequeue(ctx, "worker", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.JobID(customer, "evt-1"), deliveries[0].Job.ID)

	var env models.EventEnvelope
	require.NoError(t, json.Unmarshal(deliveries[0].Job.Payload, &env))
	assert.Equal(t, result.BatchID, env.BatchID)
	assert.Equal(t, customer, env.Event.CustomerID, "customer id is filled in from the batch")
	assert.False(t, env.Event.Timestamp.IsZero())
}

func TestSubmit_ResubmissionIsDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	customer := uuid.New()
	batch := []models.Event{tokenEvent("evt-1"), tokenEvent("evt-2")}

	_, err := svc.Submit(ctx, customer, batch)
	require.NoError(t, err)

	result, err := svc.Submit(ctx, customer, []models.Event{tokenEvent("evt-1"), tokenEvent("evt-2")})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
}

func TestSubmit_PersistedEventsAreDuplicates(t *testing.T) {
	svc, store, _ := newTestService(t, 0)
	ctx := context.Background()
	customer := uuid.New()
	key := "request-1"

	processed := tokenEvent("evt-old")
	processed.CustomerID = customer
	processed.IdempotencyKey = &key
	err := store.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.InsertUsageEvent(ctx, models.NewUsageEvent(&models.EventEnvelope{Event: processed}))
		return err
	})
	require.NoError(t, err)

	reused := tokenEvent("evt-new")
	reused.IdempotencyKey = &key

	result, err := svc.Submit(ctx, customer, []models.Event{tokenEvent("evt-old"), reused, tokenEvent("evt-fresh")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
}

func TestSubmit_FailsOpen(t *testing.T) {
	svc, store, _ := newTestService(t, 0)
	store.FailLookups = errors.New("database unavailable")

	result, err := svc.Submit(context.Background(), uuid.New(), []models.Event{tokenEvent("evt-1"), tokenEvent("evt-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Duplicates, "in-batch duplicates are still caught")
}

func TestSubmit_ForeignCustomerRejected(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	event := tokenEvent("evt-1")
	event.CustomerID = uuid.New()

	result, err := svc.Submit(context.Background(), uuid.New(), []models.Event{event})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}

func TestSubmit_InvalidBatch(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	tests := []struct {
		name     string
		customer uuid.UUID
		events   []models.Event
	}{
		{"empty", uuid.New(), nil},
		{"too large", uuid.New(), []models.Event{tokenEvent("a"), tokenEvent("b"), tokenEvent("c"), tokenEvent("d")}},
		{"no customer", uuid.Nil, []models.Event{tokenEvent("a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.customer, tt.events)
			assert.ErrorIs(t, err, ErrInvalidBatch)
		})
	}
}

type brokenQueue struct {
	queue.Queue
}

func (brokenQueue) Enqueue(ctx context.Context, job *queue.Job) (bool, error) {
	return false, fmt.Errorf("connection refused")
}

func TestSubmit_EnqueueFailure(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(brokenQueue{}, idempotency.NewFilter(store, 0, nil), 0, nil)

	_, err := svc.Submit(context.Background(), uuid.New(), []models.Event{tokenEvent("evt-1")})
	assert.ErrorIs(t, err, ErrEnqueueFailed)
}
