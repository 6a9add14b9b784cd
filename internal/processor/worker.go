package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openmonetize/openmonetize-sub001/internal/metrics"
	"github.com/openmonetize/openmonetize-sub001/internal/models"
	"github.com/openmonetize/openmonetize-sub001/internal/queue"
	"github.com/openmonetize/openmonetize-sub001/internal/ratelimit"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// Handler processes one decoded event
type Handler interface {
	Process(ctx context.Context, env *models.EventEnvelope) (Outcome, error)
}

// releaseTimeout bounds the calls that hand undone deliveries back on shutdown
const releaseTimeout = 5 * time.Second

// WorkerPool runs Concurrency consumers against the queue. Every job is gated
// by the shared limiter. Failed jobs are retried with exponential backoff and
// dead-lettered once they reach MaxAttempts.
type WorkerPool struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	handler     Handler
	limiter     ratelimit.Limiter
	config      *queue.Config
	concurrency int
	consumerID  string
	logger      *utils.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(
	q queue.Queue,
	dlq queue.DeadLetterQueue,
	handler Handler,
	limiter ratelimit.Limiter,
	config *queue.Config,
	concurrency int,
	logger *utils.Logger,
) *WorkerPool {
	if config == nil {
		config = queue.DefaultConfig("usage-events")
	}
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	return &WorkerPool{
		queue:       q,
		dlq:         dlq,
		handler:     handler,
		limiter:     limiter,
		config:      config,
		concurrency: concurrency,
		consumerID:  ConsumerID(),
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// ConsumerID identifies this process among queue consumers as host-pid
func ConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Consumer returns the consumer name of worker n
func (p *WorkerPool) Consumer(n int) string {
	return fmt.Sprintf("%s-%d", p.consumerID, n)
}

// Start starts the worker goroutines
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool",
		"queue", p.config.QueueName,
		"concurrency", p.concurrency,
		"max_attempts", p.config.MaxAttempts,
	)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, p.Consumer(i))
	}
}

// Stop signals all workers and waits for in-flight jobs to settle
func (p *WorkerPool) Stop() error {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	return nil
}

func (p *WorkerPool) stopped() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) run(ctx context.Context, consumer string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("Worker stopping", "consumer", consumer)
			return
		case <-ctx.Done():
			p.logger.Debug("Worker context cancelled", "consumer", consumer)
			return
		default:
			if !p.processBatch(ctx, consumer) {
				return
			}
		}
	}
}

// processBatch handles one Dequeue worth of jobs. Returns false when the
// worker should exit.
func (p *WorkerPool) processBatch(ctx context.Context, consumer string) bool {
	deliveries, err := p.queue.Dequeue(ctx, consumer, p.config.BatchSize, p.config.BlockTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return false
		}
		p.logger.Error("Failed to dequeue jobs", "consumer", consumer, "error", err)
		select {
		case <-time.After(time.Second):
		case <-p.stopChan:
		case <-ctx.Done():
		}
		return true
	}

	for i, d := range deliveries {
		if p.stopped() || ctx.Err() != nil {
			p.release(deliveries[i:])
			return false
		}
		if err := p.limiter.Wait(ctx); err != nil {
			p.release(deliveries[i:])
			return false
		}
		p.processItem(ctx, d)
	}
	return true
}

// processItem runs the handler for one delivery and settles it
func (p *WorkerPool) processItem(ctx context.Context, d *queue.Delivery) {
	start := time.Now()

	var env models.EventEnvelope
	if err := json.Unmarshal(d.Job.Payload, &env); err != nil {
		p.fail(ctx, d, fmt.Errorf("%w: undecodable payload: %v", ErrPermanent, err), start)
		return
	}

	outcome, err := p.handler.Process(ctx, &env)
	if err != nil {
		p.fail(ctx, d, err, start)
		return
	}

	if err := p.queue.Ack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrStaleDelivery) {
			p.logger.Warn("Job was reclaimed before ack", "job_id", d.Job.ID)
		} else {
			// the job will be redelivered; reprocessing is a no-op
			p.logger.Error("Failed to ack job", "job_id", d.Job.ID, "error", err)
		}
	}

	label := metrics.OutcomeProcessed
	if outcome == OutcomeDuplicate {
		label = metrics.OutcomeDuplicate
	}
	metrics.RecordJobOutcome(label)
	metrics.ObserveJob(label, time.Since(start))
}

// fail counts the attempt and either schedules a retry or dead-letters the job
func (p *WorkerPool) fail(ctx context.Context, d *queue.Delivery, cause error, start time.Time) {
	d.Job.Attempts++
	d.Job.LastError = cause.Error()

	permanent := errors.Is(cause, ErrPermanent)
	if permanent || d.Job.Attempts >= p.config.MaxAttempts {
		source := queue.SourceRetriesExhausted
		if permanent {
			source = queue.SourcePermanentFailure
		}
		if err := queue.MoveToDeadLetter(ctx, p.queue, p.dlq, d, cause, source); err != nil {
			p.logSettleError("Failed to dead-letter job", d, err)
			return
		}
		metrics.RecordJobOutcome(metrics.OutcomeDeadLettered)
		metrics.ObserveJob(metrics.OutcomeDeadLettered, time.Since(start))
		p.logger.Warn("Job moved to dead-letter store",
			"job_id", d.Job.ID,
			"attempts", d.Job.Attempts,
			"source", source,
			"error", cause,
		)
		return
	}

	delay := queue.Backoff(p.config.RetryBackoff, p.config.MaxBackoff, d.Job.Attempts)
	if err := p.queue.Retry(ctx, d, delay, cause); err != nil {
		p.logSettleError("Failed to schedule retry", d, err)
		return
	}
	metrics.RecordJobOutcome(metrics.OutcomeRetried)
	metrics.ObserveJob(metrics.OutcomeRetried, time.Since(start))
	p.logger.Debug("Job retry scheduled",
		"job_id", d.Job.ID,
		"attempt", d.Job.Attempts,
		"backoff", delay,
		"error", cause,
	)
}

// logSettleError logs a failed settle. A stale delivery means another
// consumer already owns the job, so only a warning is logged.
func (p *WorkerPool) logSettleError(msg string, d *queue.Delivery, err error) {
	if errors.Is(err, queue.ErrStaleDelivery) {
		p.logger.Warn("Job was reclaimed before it could be settled", "job_id", d.Job.ID, "attempts", d.Job.Attempts)
		return
	}
	p.logger.Error(msg, "job_id", d.Job.ID, "error", err)
}

// release hands deliveries that were read but not started back to the queue
// without counting an attempt
func (p *WorkerPool) release(deliveries []*queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	for _, d := range deliveries {
		if err := p.queue.Retry(ctx, d, 0, nil); err != nil {
			p.logger.Warn("Failed to release job", "job_id", d.Job.ID, "error", err)
		}
	}
}
