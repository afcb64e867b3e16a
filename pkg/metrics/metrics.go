// Package metrics is the single Prometheus registration point for the
// runtime and worker pool. Grounded on the teacher's
// internal/reconciler/metrics.go (one package, one set of counters, a
// lazily-initialized package-level singleton via sync.Once) but backed by
// github.com/prometheus/client_golang instead of hand-rolled int64 counters,
// per spec.md §9: "Counters and histograms are emitted from the runtime and
// worker pool... Not part of correctness; do not gate tests on them."
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/histogram the engine and worker pool emit.
// Labels follow spec.md §9 verbatim: orchestration_name, activity_name,
// outcome, retry_attempt.
type Metrics struct {
	TurnsCommitted     *prometheus.CounterVec
	OptimisticConflicts *prometheus.CounterVec
	ActivityExecutions *prometheus.CounterVec
	ActivityDuration   *prometheus.HistogramVec
	ContinueAsNew      *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide Metrics instance, registering it with the
// default Prometheus registry on first call.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
		prometheus.MustRegister(
			instance.TurnsCommitted,
			instance.OptimisticConflicts,
			instance.ActivityExecutions,
			instance.ActivityDuration,
			instance.ContinueAsNew,
		)
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		TurnsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toygres",
			Subsystem: "engine",
			Name:      "turns_committed_total",
			Help:      "Orchestration turns committed, by orchestration_name and outcome.",
		}, []string{"orchestration_name", "outcome"}),

		OptimisticConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toygres",
			Subsystem: "engine",
			Name:      "optimistic_conflicts_total",
			Help:      "Turn commits rejected because the fencing token or event_id high-water was stale.",
		}, []string{"orchestration_name"}),

		ActivityExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toygres",
			Subsystem: "activity",
			Name:      "executions_total",
			Help:      "Activity attempts, by activity_name, outcome, and retry_attempt.",
		}, []string{"activity_name", "outcome", "retry_attempt"}),

		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toygres",
			Subsystem: "activity",
			Name:      "duration_seconds",
			Help:      "Observed duration of a single activity attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"activity_name", "outcome"}),

		ContinueAsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toygres",
			Subsystem: "engine",
			Name:      "continue_as_new_total",
			Help:      "Executions closed via continue-as-new, by orchestration_name.",
		}, []string{"orchestration_name"}),
	}
}
