// Package metrics provides Prometheus collectors for the usage pipeline.
//
// Collectors are registered globally on import and served at /metrics.
// Components record values through the helper functions:
//
//	metrics.RecordIngest(accepted, duplicates, rejected)
//	metrics.RecordJobOutcome(metrics.OutcomeRetried)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usage_ledger"

// Job outcomes
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

var (
	// EventsIngestedTotal counts submitted events by ingestion result.
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of submitted usage events by result",
		},
		[]string{"result"}, // accepted, duplicate, rejected
	)

	// IdempotencyFailOpenTotal counts idempotency lookups that failed and let events through.
	IdempotencyFailOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "idempotency_fail_open_total",
			Help:      "Total number of idempotency lookups that failed open",
		},
	)

	// JobsTotal counts worker job outcomes.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total number of queue jobs by outcome",
		},
		[]string{"outcome"},
	)

	// JobDurationSeconds measures processing time of one job.
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of usage event processing in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// CreditsBurnedTotal sums credits debited by usage.
	CreditsBurnedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_burned_total",
			Help:      "Total number of credits burned by usage events",
		},
	)

	// NegativeBalanceDebitsTotal counts debits that left a wallet below zero.
	NegativeBalanceDebitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "negative_balance_debits_total",
			Help:      "Total number of debits that took a wallet balance below zero",
		},
		[]string{"policy"},
	)

	// PricingSourceTotal counts price calculations by pricing source.
	PricingSourceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "calculations_total",
			Help:      "Total number of price calculations by pricing source",
		},
		[]string{"source"},
	)

	// PricingCacheEntries reports the size of each pricing cache.
	PricingCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "cache_entries",
			Help:      "Number of entries held by each pricing cache",
		},
		[]string{"cache"},
	)

	// PricingCacheLookups reports cumulative cache lookups by result.
	PricingCacheLookups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "cache_lookups",
			Help:      "Cumulative pricing cache lookups by result since start",
		},
		[]string{"cache", "result"}, // hit, miss
	)

	// DBConnections reports the database pool by connection state.
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"}, // open, in_use, idle
	)

	// DBWaitCount reports how many times a caller waited for a free connection.
	DBWaitCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "wait_count",
			Help:      "Cumulative number of waits for a database connection",
		},
	)

	// DeadLetterSize reports the number of dead-lettered jobs at the last scan.
	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "items",
			Help:      "Number of jobs currently in the dead-letter store",
		},
	)

	// DeadLetterReplayedTotal counts replayed dead-letter items.
	DeadLetterReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "replayed_total",
			Help:      "Total number of dead-lettered jobs replayed into the queue",
		},
	)

	// DeadLetterPurgedTotal counts items evicted by retention.
	DeadLetterPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "purged_total",
			Help:      "Total number of dead-lettered jobs evicted by retention",
		},
	)
)

// RecordIngest records the counts of one ingestion batch.
func RecordIngest(accepted, duplicates, rejected int) {
	EventsIngestedTotal.WithLabelValues("accepted").Add(float64(accepted))
	EventsIngestedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	EventsIngestedTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordJobOutcome counts one job outcome.
func RecordJobOutcome(outcome string) {
	JobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob records the duration of one processed job.
func ObserveJob(outcome string, d time.Duration) {
	JobDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordBurn adds burned credits.
func RecordBurn(credits int64) {
	if credits > 0 {
		CreditsBurnedTotal.Add(float64(credits))
	}
}

// RecordNegativeBalance counts a debit that went below zero.
func RecordNegativeBalance(policy string) {
	NegativeBalanceDebitsTotal.WithLabelValues(policy).Inc()
}

// RecordPricingSource counts one price calculation.
func RecordPricingSource(source string) {
	PricingSourceTotal.WithLabelValues(source).Inc()
}

// RecordDBPool sets the connection pool gauges.
func RecordDBPool(open, inUse, idle int, waitCount int64) {
	DBConnections.WithLabelValues("open").Set(float64(open))
	DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	DBConnections.WithLabelValues("idle").Set(float64(idle))
	DBWaitCount.Set(float64(waitCount))
}

// RecordPricingCache sets the gauges of one pricing cache.
func RecordPricingCache(cache string, entries int, hits, misses uint64) {
	PricingCacheEntries.WithLabelValues(cache).Set(float64(entries))
	PricingCacheLookups.WithLabelValues(cache, "hit").Set(float64(hits))
	PricingCacheLookups.WithLabelValues(cache, "miss").Set(float64(misses))
}
