package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func newTestRedisQueue(t *testing.T, name string) (*RedisQueue, *miniredis.Miniredis, *fakeClock) {
	client, mr := setupTestRedis(t)
	q, err := NewRedisQueue(client, DefaultConfig(name))
	require.NoError(t, err)

	clock := newFakeClock()
	q.now = clock.Now
	return q, mr, clock
}

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	q, mr, _ := newTestRedisQueue(t, "test-redis-basic")
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate job id must be a no-op")

	items, err := q.Dequeue(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c1:e1", items[0].Job.ID)
	assert.JSONEq(t, `{"event_id":"c1:e1"}`, string(items[0].Job.Payload))
	assert.Equal(t, int64(1), items[0].Deliveries)
	assert.NotEmpty(t, items[0].Ref())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 0, Pending: 1, Delayed: 0}, stats)

	require.NoError(t, q.Ack(ctx, items[0]))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	ok, err = q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	assert.False(t, ok, "completed job id collides until the TTL expires")

	mr.FastForward(2 * time.Hour)
	ok, err = q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	q, _, _ := newTestRedisQueue(t, "test-redis-empty")

	items, err := q.Dequeue(context.Background(), "w1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisQueue_BatchOrder(t *testing.T) {
	q, _, _ := newTestRedisQueue(t, "test-redis-batch")
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := q.Enqueue(ctx, testJob(id))
		require.NoError(t, err)
	}

	items, err := q.Dequeue(ctx, "w1", 2, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "j1", items[0].Job.ID)
	assert.Equal(t, "j2", items[1].Job.ID)

	items, err = q.Dequeue(ctx, "w2", 2, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "j3", items[0].Job.ID)
}

func TestRedisQueue_RetryDelaysJob(t *testing.T) {
	q, _, clock := newTestRedisQueue(t, "test-redis-retry")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)

	items, err := q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	d := items[0]
	d.Job.Attempts++
	require.NoError(t, q.Retry(ctx, d, 2*time.Second, errors.New("db timeout")))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Pending)

	items, err = q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, items, "delayed job is invisible before its due time")

	clock.Advance(3 * time.Second)
	items, err = q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "j1", items[0].Job.ID)
	assert.Equal(t, 1, items[0].Job.Attempts)
	assert.Equal(t, "db timeout", items[0].Job.LastError)
}

func TestRedisQueue_RemoveFreesID(t *testing.T) {
	q, _, _ := newTestRedisQueue(t, "test-redis-remove")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	items, err := q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Remove(ctx, items[0]))

	ok, err := q.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisQueue_ClaimStale(t *testing.T) {
	q, _, _ := newTestRedisQueue(t, "test-redis-stale")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	items, err := q.Dequeue(ctx, "crashed-worker", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	claimed, err := q.ClaimStale(ctx, "scanner", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "j1", claimed[0].Job.ID)
	assert.Equal(t, int64(2), claimed[0].Deliveries)

	require.NoError(t, q.Ack(ctx, claimed[0]))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestRedisDeadLetterQueue(t *testing.T) {
	client, _ := setupTestRedis(t)
	dlq, err := NewRedisDeadLetterQueue(client, DefaultConfig("test-redis-dlq"))
	require.NoError(t, err)

	clock := newFakeClock()
	dlq.now = clock.Now
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		job := testJob(id)
		job.Attempts = 3
		require.NoError(t, dlq.Add(ctx, job, errors.New("boom "+id), SourceRetriesExhausted))
		clock.Advance(time.Second)
	}

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	page, err := dlq.List(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)
	assert.Equal(t, "boom b", page[0].Error)
	assert.Equal(t, 3, page[0].Attempts)
	assert.JSONEq(t, `{"event_id":"b"}`, string(page[0].Payload))

	item, err := dlq.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, SourceRetriesExhausted, item.Source)

	// Re-adding the same id replaces the entry
	require.NoError(t, dlq.Add(ctx, testJob("a"), errors.New("again"), SourceStalePending))
	count, _ = dlq.Count(ctx)
	assert.Equal(t, int64(3), count)

	require.NoError(t, dlq.Remove(ctx, "a"))
	assert.ErrorIs(t, dlq.Remove(ctx, "a"), ErrItemNotFound)
	_, err = dlq.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrItemNotFound)

	all, err := dlq.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func newStaleSetup(t *testing.T, name, id string) (*RedisQueue, *RedisDeadLetterQueue, *Delivery, *Delivery) {
	t.Helper()
	q, _, clock := newTestRedisQueue(t, name)
	dlq, err := NewRedisDeadLetterQueue(q.client, q.config)
	require.NoError(t, err)
	dlq.now = clock.Now
	ctx := context.Background()

	_, err = q.Enqueue(ctx, testJob(id))
	require.NoError(t, err)
	slow, err := q.Dequeue(ctx, "slow-worker", 1, 0)
	require.NoError(t, err)
	require.Len(t, slow, 1)

	claimed, err := q.ClaimStale(ctx, "scanner", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return q, dlq, slow[0], claimed[0]
}

func TestRedisQueue_AckAfterReschedule(t *testing.T) {
	q, _, slow, claimed := newStaleSetup(t, "test-redis-stale-ack", "c1:e1")
	ctx := context.Background()

	claimed.Job.Attempts++
	require.NoError(t, q.Retry(ctx, claimed, 0, errors.New("not acknowledged")))

	err := q.Ack(ctx, slow)
	assert.ErrorIs(t, err, ErrStaleDelivery)
	assert.ErrorIs(t, err, ErrItemNotFound)

	items, err := q.Dequeue(ctx, "w2", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c1:e1", items[0].Job.ID)
	assert.JSONEq(t, `{"event_id":"c1:e1"}`, string(items[0].Job.Payload))
	assert.Equal(t, 1, items[0].Job.Attempts)
}

func TestRedisQueue_RetryAfterDeadLetter(t *testing.T) {
	q, dlq, slow, claimed := newStaleSetup(t, "test-redis-stale-retry", "c1:e1")
	ctx := context.Background()

	claimed.Job.Attempts = 3
	require.NoError(t, MoveToDeadLetter(ctx, q, dlq, claimed, errors.New("not acknowledged"), SourceStalePending))

	slow.Job.Attempts++
	assert.ErrorIs(t, q.Retry(ctx, slow, 0, errors.New("db timeout")), ErrStaleDelivery)
	assert.ErrorIs(t, MoveToDeadLetter(ctx, q, dlq, slow, errors.New("decode"), SourcePermanentFailure), ErrStaleDelivery)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	item, err := dlq.Get(ctx, "c1:e1")
	require.NoError(t, err)
	assert.Equal(t, SourceStalePending, item.Source)
	assert.Equal(t, 3, item.Attempts)
	assert.JSONEq(t, `{"event_id":"c1:e1"}`, string(item.Payload))
}

func TestRedisQueue_OriginalConsumerSettlesFirst(t *testing.T) {
	q, _, slow, claimed := newStaleSetup(t, "test-redis-stale-first", "c1:e1")
	ctx := context.Background()

	require.NoError(t, q.Ack(ctx, slow))

	claimed.Job.Attempts++
	assert.ErrorIs(t, q.Retry(ctx, claimed, 0, errors.New("not acknowledged")), ErrStaleDelivery)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	ok, err := q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	assert.False(t, ok, "completed id still collides")
}

func TestMoveToDeadLetter_RequeuesWhenStoreFails(t *testing.T) {
	q, _, _ := newTestRedisQueue(t, "test-redis-dlq-fail")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("c1:e1"))
	require.NoError(t, err)
	items, err := q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	err = MoveToDeadLetter(ctx, q, failingDeadLetterQueue{}, items[0], errors.New("boom"), SourcePermanentFailure)
	assert.Error(t, err)

	items, err = q.Dequeue(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"event_id":"c1:e1"}`, string(items[0].Job.Payload))
}

type failingDeadLetterQueue struct {
	DeadLetterQueue
}

func (failingDeadLetterQueue) Add(ctx context.Context, job *Job, cause error, source string) error {
	return errors.New("dead-letter store unavailable")
}
