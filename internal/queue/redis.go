package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states stored in the job hash
const (
	stateWaiting   = "waiting"
	stateActive    = "active"
	stateDelayed   = "delayed"
	stateCompleted = "completed"
)

// enqueueScript writes the job hash and appends the id to the stream unless
// the hash already exists.
// KEYS[1] job hash, KEYS[2] stream
// ARGV[1] id, ARGV[2] payload, ARGV[3] attempts, ARGV[4] enqueued_at
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'attempts', ARGV[3], 'state', 'waiting', 'enqueued_at', ARGV[4], 'last_error', '')
redis.call('XADD', KEYS[2], '*', 'job', ARGV[1])
return 1
`)

// promoteScript moves due delayed ids back into the stream.
// KEYS[1] delayed set, KEYS[2] stream
// ARGV[1] now (unix ms), ARGV[2] limit, ARGV[3] job hash key prefix
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('EXISTS', ARGV[3] .. id) == 1 then
		redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
		redis.call('XADD', KEYS[2], '*', 'job', id)
	end
end
return #ids
`)

// Settling scripts XACK first. XACK returns 0 once another consumer settled
// or reclaimed the entry, and the job is then left untouched.

// ackScript completes a delivery.
// KEYS[1] stream, KEYS[2] job hash
// ARGV[1] group, ARGV[2] stream ref, ARGV[3] completed TTL in ms (0 deletes the hash)
var ackScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('HSET', KEYS[2], 'state', 'completed', 'payload', '')
	redis.call('PEXPIRE', KEYS[2], ttl)
else
	redis.call('DEL', KEYS[2])
end
return 1
`)

// retryScript moves a delivered job to the delayed set.
// KEYS[1] stream, KEYS[2] job hash, KEYS[3] delayed set
// ARGV[1] group, ARGV[2] stream ref, ARGV[3] id, ARGV[4] attempts, ARGV[5] last error, ARGV[6] due (unix ms)
var retryScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
if redis.call('EXISTS', KEYS[2]) == 0 then
	return 1
end
redis.call('HSET', KEYS[2], 'attempts', ARGV[4], 'last_error', ARGV[5], 'state', 'delayed')
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[3])
return 1
`)

// removeScript drops a delivered job entirely.
// KEYS[1] stream, KEYS[2] job hash, KEYS[3] delayed set
// ARGV[1] group, ARGV[2] stream ref, ARGV[3] id
var removeScript = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[3])
redis.call('DEL', KEYS[2])
return 1
`)

// RedisQueue implements Queue and StaleScanner on a Redis Stream consumer group.
// The stream carries job ids only; job state lives in one hash per job.
type RedisQueue struct {
	client     *redis.Client
	config     *Config
	streamKey  string
	delayedKey string
	jobPrefix  string
	group      string
	closed     atomic.Bool
	now        func() time.Time
}

// NewRedisQueue creates a Redis-backed queue and its consumer group.
// The client is shared and not closed by the queue.
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := &RedisQueue{
		client:     client,
		config:     config,
		streamKey:  fmt.Sprintf("queue:%s:stream", config.QueueName),
		delayedKey: fmt.Sprintf("queue:%s:delayed", config.QueueName),
		jobPrefix:  fmt.Sprintf("queue:%s:job:", config.QueueName),
		group:      config.QueueName + "-workers",
		now:        time.Now,
	}

	err := client.XGroupCreateMkStream(ctx, q.streamKey, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return q, nil
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Enqueue adds a job unless its id is already known
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if q.closed.Load() {
		return false, ErrQueueClosed
	}
	if job == nil || job.ID == "" {
		return false, ErrInvalidJob
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.streamKey},
		job.ID, string(job.Payload), job.Attempts, job.EnqueuedAt.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return res == 1, nil
}

// Dequeue promotes due delayed jobs and reads new stream entries for consumer
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, maxItems int, timeout time.Duration) ([]*Delivery, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if maxItems <= 0 {
		maxItems = 1
	}

	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	block := timeout
	if block <= 0 {
		block = -1 // no BLOCK argument
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.streamKey, ">"},
		Count:    int64(maxItems),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []*Delivery{}, nil // Timeout, no items
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}

	deliveries := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		d, err := q.load(ctx, msg, 1)
		if err != nil {
			return deliveries, err
		}
		if d == nil {
			continue
		}
		if err := q.client.HSet(ctx, q.jobKey(d.Job.ID), "state", stateActive).Err(); err != nil {
			return deliveries, fmt.Errorf("failed to mark job %s active: %w", d.Job.ID, err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

// load resolves a stream entry into a delivery. Entries whose job hash is
// gone are dropped from the stream and yield nil.
func (q *RedisQueue) load(ctx context.Context, msg redis.XMessage, deliveries int64) (*Delivery, error) {
	id, _ := msg.Values["job"].(string)

	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if id == "" || len(fields) == 0 {
		q.dropEntry(ctx, msg.ID)
		return nil, nil
	}

	job := &Job{
		ID:        id,
		Payload:   []byte(fields["payload"]),
		LastError: fields["last_error"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ts, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err == nil {
		job.EnqueuedAt = ts
	}

	return &Delivery{Job: job, Deliveries: deliveries, ref: msg.ID}, nil
}

func (q *RedisQueue) dropEntry(ctx context.Context, ref string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.streamKey, q.group, ref)
	pipe.XDel(ctx, q.streamKey, ref)
	_, _ = pipe.Exec(ctx)
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	limit := q.config.BatchSize * 10
	if limit <= 0 {
		limit = 100
	}
	err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.streamKey},
		q.now().UnixMilli(), limit, q.jobPrefix,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return nil
}

// Ack completes the delivery and keeps the id for CompletedTTL.
// It returns ErrStaleDelivery when the entry was settled or reclaimed elsewhere.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := ackScript.Run(ctx, q.client,
		[]string{q.streamKey, q.jobKey(d.Job.ID)},
		q.group, d.ref, q.config.CompletedTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.Job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("ack job %s: %w", d.Job.ID, ErrStaleDelivery)
	}
	return nil
}

// Retry moves the job to the delayed set
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	due := q.now().Add(delay).UnixMilli()

	res, err := retryScript.Run(ctx, q.client,
		[]string{q.streamKey, q.jobKey(d.Job.ID), q.delayedKey},
		q.group, d.ref, d.Job.ID, d.Job.Attempts, lastError, due,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", d.Job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("retry job %s: %w", d.Job.ID, ErrStaleDelivery)
	}
	d.Job.LastError = lastError
	return nil
}

// Remove drops the job and its stream entry
func (q *RedisQueue) Remove(ctx context.Context, d *Delivery) error {
	res, err := removeScript.Run(ctx, q.client,
		[]string{q.streamKey, q.jobKey(d.Job.ID), q.delayedKey},
		q.group, d.ref, d.Job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", d.Job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("remove job %s: %w", d.Job.ID, ErrStaleDelivery)
	}
	return nil
}

// ClaimStale claims entries pending longer than minIdle for consumer
func (q *RedisQueue) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Delivery, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if count <= 0 {
		count = 100
	}

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.streamKey,
		Group:  q.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return []*Delivery{}, nil
	}

	messages, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.streamKey,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}

	deliveries := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		// XCLAIM bumps the delivery counter
		d, err := q.load(ctx, msg, counts[msg.ID]+1)
		if err != nil {
			return deliveries, err
		}
		if d != nil {
			deliveries = append(deliveries, d)
		}
	}

	return deliveries, nil
}

// Stats returns waiting, pending and delayed counts
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	length, err := q.client.XLen(ctx, q.streamKey).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get stream length: %w", err)
	}

	summary, err := q.client.XPending(ctx, q.streamKey, q.group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("failed to get pending summary: %w", err)
	}
	if summary != nil {
		stats.Pending = summary.Count
	}

	stats.Delayed, err = q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get delayed count: %w", err)
	}

	stats.Waiting = length - stats.Pending
	if stats.Waiting < 0 {
		stats.Waiting = 0
	}
	return stats, nil
}

// Length returns the number of outstanding jobs
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(stats.Waiting + stats.Pending + stats.Delayed), nil
}

// Close marks the queue closed; the shared client is left open
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash keyed by
// job id plus a sorted set indexed by failure time.
type RedisDeadLetterQueue struct {
	client   *redis.Client
	dlKey    string
	indexKey string
	now      func() time.Time
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &RedisDeadLetterQueue{
		client:   client,
		dlKey:    fmt.Sprintf("dlq:%s", config.QueueName),
		indexKey: fmt.Sprintf("dlq:%s:index", config.QueueName),
		now:      time.Now,
	}, nil
}

// Add adds a failed job to the dead letter queue under its original id
func (q *RedisDeadLetterQueue) Add(ctx context.Context, job *Job, cause error, source string) error {
	dlItem := newDeadLetterItem(job, cause, source, q.now())

	data, marshalErr := serializeItem(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dlKey, dlItem.ID, data)
	pipe.ZAdd(ctx, q.indexKey, redis.Z{Score: float64(dlItem.FailedAt.UnixMilli()), Member: dlItem.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return nil
}

// List retrieves items ordered by failure time
func (q *RedisDeadLetterQueue) List(ctx context.Context, offset, limit int) ([]DeadLetterItem, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}

	ids, err := q.client.ZRange(ctx, q.indexKey, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}
	if len(ids) == 0 {
		return []DeadLetterItem{}, nil
	}

	values, err := q.client.HMGet(ctx, q.dlKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // index entry without payload
		}
		var dlItem DeadLetterItem
		if err := deserializeItem([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	return items, nil
}

// Get returns one dead-lettered item
func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.dlKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}

	var dlItem DeadLetterItem
	if err := deserializeItem([]byte(data), &dlItem); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter item %s: %w", id, err)
	}
	return &dlItem, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	del := pipe.HDel(ctx, q.dlKey, id)
	pipe.ZRem(ctx, q.indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if del.Val() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Count returns the number of dead-lettered items
func (q *RedisDeadLetterQueue) Count(ctx context.Context) (int64, error) {
	n, err := q.client.HLen(ctx, q.dlKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letter items: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
