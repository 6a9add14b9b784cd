package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// memoryPollInterval bounds how long a blocked Dequeue waits before
// re-checking delayed jobs.
const memoryPollInterval = 25 * time.Millisecond

type memoryJob struct {
	job         Job
	state       string
	completedAt time.Time
}

type memoryPending struct {
	id          string
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

// MemoryQueue implements Queue and StaleScanner in process
type MemoryQueue struct {
	mu      sync.Mutex
	config  *Config
	jobs    map[string]*memoryJob
	waiting []string
	delayed map[string]time.Time
	pending map[string]*memoryPending
	nextRef uint64
	signal  chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		config:  config,
		jobs:    make(map[string]*memoryJob),
		delayed: make(map[string]time.Time),
		pending: make(map[string]*memoryPending),
		signal:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// wake releases blocked Dequeue calls. Must hold mu.
func (q *MemoryQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Enqueue adds a job unless its id is already known
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, ErrInvalidJob
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}

	if existing, ok := q.jobs[job.ID]; ok {
		if existing.state != stateCompleted || q.now().Sub(existing.completedAt) < q.config.CompletedTTL {
			return false, nil
		}
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	stored := *job
	stored.Payload = append(json.RawMessage(nil), job.Payload...)
	q.jobs[job.ID] = &memoryJob{job: stored, state: stateWaiting}
	q.waiting = append(q.waiting, job.ID)
	q.wake()
	return true, nil
}

// promoteDue moves due delayed jobs to the waiting list. Must hold mu.
func (q *MemoryQueue) promoteDue() {
	now := q.now()
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return q.delayed[due[i]].Before(q.delayed[due[j]])
	})
	for _, id := range due {
		delete(q.delayed, id)
		if mj, ok := q.jobs[id]; ok {
			mj.state = stateWaiting
			q.waiting = append(q.waiting, id)
		}
	}
}

// take pops up to maxItems waiting jobs for consumer. Must hold mu.
func (q *MemoryQueue) take(consumer string, maxItems int) []*Delivery {
	var deliveries []*Delivery
	for len(q.waiting) > 0 && len(deliveries) < maxItems {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]

		mj, ok := q.jobs[id]
		if !ok {
			continue
		}
		mj.state = stateActive

		q.nextRef++
		ref := strconv.FormatUint(q.nextRef, 10)
		q.pending[ref] = &memoryPending{id: id, consumer: consumer, deliveredAt: q.now(), deliveries: 1}
		deliveries = append(deliveries, &Delivery{Job: cloneJob(&mj.job), Deliveries: 1, ref: ref})
	}
	return deliveries
}

// Dequeue hands up to maxItems jobs to consumer, waiting up to timeout for the first
func (q *MemoryQueue) Dequeue(ctx context.Context, consumer string, maxItems int, timeout time.Duration) ([]*Delivery, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.promoteDue()
		if items := q.take(consumer, maxItems); len(items) > 0 {
			q.mu.Unlock()
			return items, nil
		}
		signal := q.signal
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []*Delivery{}, nil
		}
		if remaining > memoryPollInterval {
			remaining = memoryPollInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// settle removes the pending entry for d. Must hold mu.
func (q *MemoryQueue) settle(d *Delivery) (*memoryJob, error) {
	p, ok := q.pending[d.ref]
	if !ok || p.id != d.Job.ID {
		return nil, ErrStaleDelivery
	}
	delete(q.pending, d.ref)
	mj, ok := q.jobs[d.Job.ID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return mj, nil
}

// Ack completes the delivery
func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, err := q.settle(d)
	if err != nil {
		return err
	}
	if q.config.CompletedTTL <= 0 {
		delete(q.jobs, d.Job.ID)
		return nil
	}
	mj.state = stateCompleted
	mj.completedAt = q.now()
	mj.job.Payload = nil
	return nil
}

// Retry records the attempt and reschedules the job after delay
func (q *MemoryQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, err := q.settle(d)
	if err != nil {
		return err
	}
	mj.job.Attempts = d.Job.Attempts
	mj.job.LastError = ""
	if cause != nil {
		mj.job.LastError = cause.Error()
	}
	d.Job.LastError = mj.job.LastError
	mj.state = stateDelayed
	q.delayed[d.Job.ID] = q.now().Add(delay)
	return nil
}

// Remove drops the job entirely
func (q *MemoryQueue) Remove(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.settle(d); err != nil {
		return err
	}
	delete(q.delayed, d.Job.ID)
	delete(q.jobs, d.Job.ID)
	return nil
}

// ClaimStale transfers entries pending for at least minIdle to consumer
func (q *MemoryQueue) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	refs := make([]string, 0, len(q.pending))
	for ref := range q.pending {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, _ := strconv.ParseUint(refs[i], 10, 64)
		b, _ := strconv.ParseUint(refs[j], 10, 64)
		return a < b
	})

	now := q.now()
	var deliveries []*Delivery
	for _, ref := range refs {
		if count > 0 && int64(len(deliveries)) >= count {
			break
		}
		p := q.pending[ref]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		mj, ok := q.jobs[p.id]
		if !ok {
			delete(q.pending, ref)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		deliveries = append(deliveries, &Delivery{Job: cloneJob(&mj.job), Deliveries: p.deliveries, ref: ref})
	}

	return deliveries, nil
}

// Stats returns waiting, pending and delayed counts
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Stats{}, ErrQueueClosed
	}

	return Stats{
		Waiting: int64(len(q.waiting)),
		Pending: int64(len(q.pending)),
		Delayed: int64(len(q.delayed)),
	}, nil
}

// Length returns the number of outstanding jobs
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return int(stats.Waiting + stats.Pending + stats.Delayed), nil
}

// Close shuts down the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	q.wake()
	return nil
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue struct {
	items  map[string]DeadLetterItem
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make(map[string]DeadLetterItem),
		now:   time.Now,
	}
}

// SetClock replaces the time source, for tests
func (q *MemoryDeadLetterQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Add adds a failed job to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, job *Job, cause error, source string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	dlItem := newDeadLetterItem(job, cause, source, q.now())
	q.items[dlItem.ID] = dlItem
	return nil
}

// List retrieves items ordered by failure time
func (q *MemoryDeadLetterQueue) List(ctx context.Context, offset, limit int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	all := make([]DeadLetterItem, 0, len(q.items))
	for _, item := range q.items {
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FailedAt.Equal(all[j].FailedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].FailedAt.Before(all[j].FailedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []DeadLetterItem{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	result := make([]DeadLetterItem, end-offset)
	copy(result, all[offset:end])
	return result, nil
}

// Get returns one dead-lettered item
func (q *MemoryDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	item, ok := q.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

// Remove removes an item from the dead letter queue
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, ok := q.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(q.items, id)
	return nil
}

// Count returns the number of dead-lettered items
func (q *MemoryDeadLetterQueue) Count(ctx context.Context) (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return int64(len(q.items)), nil
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(job *Job, cause error, source string, now time.Time) DeadLetterItem {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	} else if job.LastError != "" {
		errMsg = job.LastError
	}
	return DeadLetterItem{
		ID:         job.ID,
		Payload:    append(json.RawMessage(nil), job.Payload...),
		Error:      errMsg,
		Attempts:   job.Attempts,
		Source:     source,
		EnqueuedAt: job.EnqueuedAt,
		FailedAt:   now.UTC(),
	}
}

// Helper function to serialize items for storage
func serializeItem(item interface{}) ([]byte, error) {
	return json.Marshal(item)
}

// Helper function to deserialize items from storage
func deserializeItem(data []byte, target interface{}) error {
	return json.Unmarshal(data, target)
}
