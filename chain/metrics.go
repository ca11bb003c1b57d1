package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for completionsTotal.
const (
	outcomeRecorded     = "recorded"
	outcomeDuplicate    = "duplicate"
	outcomeRaceRetry    = "race_retry"
	outcomeUserNotFound = "user_not_found"
	outcomeRebuilt      = "out_of_order_rebuild"
	outcomeError        = "error"
)

var (
	// completionsTotal counts RecordCompletion outcomes.
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_completions_total",
		Help: "Completion submissions by outcome",
	}, []string{"outcome"})

	recordDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chain_record_duration_seconds",
		Help:    "RecordCompletion latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	})

	// recomputeTotal counts recomputations; "repaired" means drift was found.
	recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_recompute_total",
		Help: "Aggregate recomputations by result",
	}, []string{"result"})

	recomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chain_recompute_duration_seconds",
		Help:    "RecomputeFromEvents latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
