package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmonetize/openmonetize-sub001/internal/queue"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingArchiver struct {
	batches [][]queue.DeadLetterItem
	err     error
}

func (a *recordingArchiver) Archive(ctx context.Context, items []queue.DeadLetterItem) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.batches = append(a.batches, items)
	return "archive-key", nil
}

type harness struct {
	clock   *clock
	queue   *queue.MemoryQueue
	dlq     *queue.MemoryDeadLetterQueue
	manager *Manager
}

func newHarness(t *testing.T, config Config, archiver Archiver) *harness {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	qc := queue.DefaultConfig("dlq-test")
	q := queue.NewMemoryQueue(qc)
	q.SetClock(c.Now)
	dlq := queue.NewMemoryDeadLetterQueue()
	dlq.SetClock(c.Now)

	m := NewManager(q, dlq, archiver, config, "test-manager", nil)
	m.now = c.Now
	return &harness{clock: c, queue: q, dlq: dlq, manager: m}
}

func (h *harness) enqueue(t *testing.T, id string, attempts int) {
	t.Helper()
	ok, err := h.queue.Enqueue(context.Background(), &queue.Job{
		ID:       id,
		Payload:  json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		Attempts: attempts,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) deadLetter(t *testing.T, id string) {
	t.Helper()
	job := &queue.Job{ID: id, Payload: json.RawMessage(`{}`), Attempts: 3}
	require.NoError(t, h.dlq.Add(context.Background(), job, errors.New("boom"), queue.SourceRetriesExhausted))
}

func TestScanStale(t *testing.T) {
	config := DefaultConfig()
	config.StaleAfter = time.Minute

	t.Run("reschedules a stale job with budget left", func(t *testing.T) {
		h := newHarness(t, config, nil)
		ctx := context.Background()
		h.enqueue(t, "cust:evt-1", 0)

		_, err := h.queue.Dequeue(ctx, "crashed-worker", 10, 0)
		require.NoError(t, err)

		// not yet idle long enough
		result, err := h.manager.ScanStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Claimed)

		h.clock.Advance(2 * time.Minute)
		result, err = h.manager.ScanStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, ScanResult{Claimed: 1, Rescheduled: 1}, result)

		stats, err := h.queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
		assert.Equal(t, int64(1), stats.Delayed)
	})

	t.Run("dead-letters a stale job on its last attempt", func(t *testing.T) {
		h := newHarness(t, config, nil)
		ctx := context.Background()
		h.enqueue(t, "cust:evt-1", 2)

		_, err := h.queue.Dequeue(ctx, "crashed-worker", 10, 0)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Minute)

		result, err := h.manager.ScanStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, ScanResult{Claimed: 1, DeadLettered: 1}, result)

		item, err := h.dlq.Get(ctx, "cust:evt-1")
		require.NoError(t, err)
		assert.Equal(t, queue.SourceStalePending, item.Source)
		assert.Equal(t, 3, item.Attempts)
		assert.Contains(t, item.Error, "not acknowledged")

		length, err := h.queue.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, length)
	})

	t.Run("original consumer acks after the claim", func(t *testing.T) {
		h := newHarness(t, config, nil)
		ctx := context.Background()
		h.enqueue(t, "cust:evt-1", 0)

		slow, err := h.queue.Dequeue(ctx, "slow-worker", 10, 0)
		require.NoError(t, err)
		require.Len(t, slow, 1)
		h.clock.Advance(2 * time.Minute)

		h.manager.scanner = ackingScanner{StaleScanner: h.queue, q: h.queue, late: slow[0]}
		result, err := h.manager.ScanStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, ScanResult{Claimed: 1, Superseded: 1}, result)

		stats, err := h.queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Delayed)
		count, err := h.dlq.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("no scanner means no-op", func(t *testing.T) {
		m := NewManager(nonScanningQueue{}, queue.NewMemoryDeadLetterQueue(), nil, config, "", nil)
		result, err := m.ScanStale(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ScanResult{}, result)
	})
}

// ackingScanner lets the original consumer ack its delivery right after the
// entries are claimed
type ackingScanner struct {
	queue.StaleScanner
	q    queue.Queue
	late *queue.Delivery
}

func (s ackingScanner) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*queue.Delivery, error) {
	deliveries, err := s.StaleScanner.ClaimStale(ctx, consumer, minIdle, count)
	if err != nil {
		return nil, err
	}
	if err := s.q.Ack(ctx, s.late); err != nil {
		return nil, err
	}
	return deliveries, nil
}

// nonScanningQueue hides the StaleScanner side of the memory queue
type nonScanningQueue struct {
	queue.Queue
}

func TestReplay(t *testing.T) {
	t.Run("re-enqueues with the original id", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		ctx := context.Background()
		h.deadLetter(t, "cust:evt-1")
		h.deadLetter(t, "cust:evt-2")

		result, err := h.manager.Replay(ctx, []string{"cust:evt-1", "cust:unknown"})
		require.NoError(t, err)
		assert.Equal(t, []string{"cust:evt-1"}, result.Replayed)
		assert.Equal(t, []string{"cust:unknown"}, result.Missing)
		assert.Empty(t, result.AlreadyQueued)

		deliveries, err := h.queue.Dequeue(ctx, "worker", 10, 0)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, "cust:evt-1", deliveries[0].Job.ID)
		assert.Equal(t, 0, deliveries[0].Job.Attempts, "replayed job gets a fresh budget")

		_, err = h.dlq.Get(ctx, "cust:evt-1")
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
		count, _ := h.dlq.Count(ctx)
		assert.Equal(t, int64(1), count)
	})

	t.Run("live job id is not enqueued twice", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		ctx := context.Background()
		h.enqueue(t, "cust:evt-1", 0)
		h.deadLetter(t, "cust:evt-1")

		result, err := h.manager.Replay(ctx, []string{"cust:evt-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"cust:evt-1"}, result.AlreadyQueued)
		assert.Empty(t, result.Replayed)

		length, _ := h.queue.Length(ctx)
		assert.Equal(t, 1, length)
	})

	t.Run("replay all", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		ctx := context.Background()
		for i := 0; i < 250; i++ {
			h.deadLetter(t, fmt.Sprintf("cust:evt-%03d", i))
			h.clock.Advance(time.Millisecond)
		}

		result, err := h.manager.ReplayAll(ctx)
		require.NoError(t, err)
		assert.Len(t, result.Replayed, 250)

		count, _ := h.dlq.Count(ctx)
		assert.Equal(t, int64(0), count)
		length, _ := h.queue.Length(ctx)
		assert.Equal(t, 250, length)
	})
}

func TestCounts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()
	h.enqueue(t, "cust:evt-1", 0)
	h.enqueue(t, "cust:evt-2", 0)
	h.deadLetter(t, "cust:evt-3")

	_, err := h.queue.Dequeue(ctx, "worker", 1, 0)
	require.NoError(t, err)

	counts, err := h.manager.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{DeadLettered: 1, Waiting: 1, Pending: 1}, counts)
}

func TestPurge(t *testing.T) {
	t.Run("evicts oldest beyond max items", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxItems = 3
		config.MaxAge = 0
		archiver := &recordingArchiver{}
		h := newHarness(t, config, archiver)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			h.deadLetter(t, fmt.Sprintf("cust:evt-%d", i))
			h.clock.Advance(time.Second)
		}

		purged, err := h.manager.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, purged)

		require.Len(t, archiver.batches, 1)
		assert.Equal(t, "cust:evt-0", archiver.batches[0][0].ID)
		assert.Equal(t, "cust:evt-1", archiver.batches[0][1].ID)

		items, err := h.manager.List(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "cust:evt-2", items[0].ID)
	})

	t.Run("evicts expired items", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxItems = 0
		config.MaxAge = time.Hour
		h := newHarness(t, config, nil)
		ctx := context.Background()

		h.deadLetter(t, "cust:old")
		h.clock.Advance(2 * time.Hour)
		h.deadLetter(t, "cust:new")

		purged, err := h.manager.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		_, err = h.dlq.Get(ctx, "cust:old")
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
		_, err = h.dlq.Get(ctx, "cust:new")
		assert.NoError(t, err)
	})

	t.Run("archive failure keeps items", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxItems = 1
		h := newHarness(t, config, &recordingArchiver{err: errors.New("s3 down")})
		ctx := context.Background()
		h.deadLetter(t, "cust:evt-1")
		h.clock.Advance(time.Second)
		h.deadLetter(t, "cust:evt-2")

		_, err := h.manager.Purge(ctx)
		require.Error(t, err)

		count, _ := h.dlq.Count(ctx)
		assert.Equal(t, int64(2), count)
	})
}

func TestManager_StartStop(t *testing.T) {
	config := DefaultConfig()
	config.ScanInterval = 10 * time.Millisecond
	config.PurgeInterval = 10 * time.Millisecond
	h := newHarness(t, config, nil)

	h.manager.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, h.manager.Stop())
	assert.NoError(t, h.manager.Stop())
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver(t *testing.T) {
	client := &fakeS3{}
	archiver := newS3Archiver(client, "ledger-archive", "dead-letter/", "ledger-0", nil)
	archiver.now = func() time.Time { return time.Date(2025, 11, 30, 14, 30, 22, 123456789, time.UTC) }

	items := []queue.DeadLetterItem{
		{ID: "cust:evt-1", Payload: json.RawMessage(`{"a":1}`), Error: "boom", Attempts: 3},
		{ID: "cust:evt-2", Payload: json.RawMessage(`{"a":2}`), Error: "boom", Attempts: 3},
	}

	key, err := archiver.Archive(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, "dead-letter/2025/11/30/ledger-0-20251130-143022-123456789.jsonl", key)
	assert.Equal(t, "ledger-archive", *client.input.Bucket)
	assert.Equal(t, "application/x-ndjson", *client.input.ContentType)

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(client.body))
	for scanner.Scan() {
		var item queue.DeadLetterItem
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"cust:evt-1", "cust:evt-2"}, ids)

	t.Run("empty batch writes nothing", func(t *testing.T) {
		client := &fakeS3{}
		archiver := newS3Archiver(client, "bucket", "", "pod", nil)
		key, err := archiver.Archive(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, key)
		assert.Nil(t, client.input)
	})

	t.Run("upload error", func(t *testing.T) {
		archiver := newS3Archiver(&fakeS3{err: errors.New("denied")}, "bucket", "", "pod", nil)
		_, err := archiver.Archive(context.Background(), items)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "failed to upload to S3"))
	})
}
