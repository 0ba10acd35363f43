package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for hotboard
var (
	ScoreUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotboard_score_updates_total",
		Help: "Total number of dual-bucket score adjustments applied",
	})

	DerivedStateFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotboard_derived_state_failures_total",
		Help: "Ranking or cache updates that failed after a committed write, by stage",
	}, []string{"stage"})

	LockAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotboard_lock_acquire_total",
		Help: "Lock acquisition attempts by result (acquired, timeout, error)",
	}, []string{"result"})

	LockReleaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotboard_lock_release_total",
		Help: "Lock releases by result (released, not_held, forced, error)",
	}, []string{"result"})

	InvalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotboard_invalidations_total",
		Help: "Cache invalidations dispatched, by mode",
	}, []string{"mode"})

	InvalidationQueuePublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotboard_invalidation_queue_published_total",
		Help: "Invalidation events published to the async queue",
	})

	InvalidationQueueHandledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotboard_invalidation_queue_handled_total",
		Help: "Invalidation events consumed from the async queue",
	})

	PrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotboard_pruned_total",
		Help: "Stale leaderboard entries removed by reconciliation",
	})

	ReconcileDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotboard_reconcile_dropped_total",
		Help: "Prune requests dropped because the reconcile queue was full",
	})

	InteractionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotboard_interactions_total",
		Help: "Orchestrated interactions by action and result",
	}, []string{"action", "result"})

	// Gauges set from stats on scrape
	DayBucketSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hotboard_day_bucket_size",
		Help: "Number of entries in the current day bucket",
	})

	WeekBucketSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hotboard_week_bucket_size",
		Help: "Number of entries in the current week bucket",
	})

	ReconcileQueueUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hotboard_reconcile_queue_used",
		Help: "Number of prune requests pending in the reconcile queue",
	})
)

// StatsProvider provides current stats for gauge metrics
type StatsProvider interface {
	DayBucketSize() int64
	WeekBucketSize() int64
	ReconcileQueueUsed() int
}

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			ScoreUpdatesTotal,
			DerivedStateFailuresTotal,
			LockAcquireTotal,
			LockReleaseTotal,
			InvalidationsTotal,
			InvalidationQueuePublishedTotal,
			InvalidationQueueHandledTotal,
			PrunedTotal,
			ReconcileDroppedTotal,
			InteractionsTotal,
			DayBucketSize,
			WeekBucketSize,
			ReconcileQueueUsed,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

// RecordScoreUpdate increments the score updates counter
func RecordScoreUpdate() {
	ScoreUpdatesTotal.Inc()
}

// RecordDerivedStateFailure counts a post-commit failure.
// stage is one of "ranking", "invalidation", "notify", "reconcile".
func RecordDerivedStateFailure(stage string) {
	DerivedStateFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordLockAcquire counts a lock acquisition attempt by result
func RecordLockAcquire(result string) {
	LockAcquireTotal.WithLabelValues(result).Inc()
}

// RecordLockRelease counts a lock release by result
func RecordLockRelease(result string) {
	LockReleaseTotal.WithLabelValues(result).Inc()
}

// RecordInvalidation counts a dispatched invalidation
func RecordInvalidation(mode string) {
	InvalidationsTotal.WithLabelValues(mode).Inc()
}

// RecordInvalidationPublished increments the async queue published counter
func RecordInvalidationPublished() {
	InvalidationQueuePublishedTotal.Inc()
}

// RecordInvalidationHandled increments the async queue handled counter
func RecordInvalidationHandled() {
	InvalidationQueueHandledTotal.Inc()
}

// RecordPruned adds n to the pruned entries counter
func RecordPruned(n int) {
	if n > 0 {
		PrunedTotal.Add(float64(n))
	}
}

// RecordReconcileDropped increments the dropped prune requests counter
func RecordReconcileDropped() {
	ReconcileDroppedTotal.Inc()
}

// RecordInteraction counts an orchestrated interaction outcome
func RecordInteraction(action, result string) {
	InteractionsTotal.WithLabelValues(action, result).Inc()
}

// UpdateGauges updates gauge metrics from the provided stats
func UpdateGauges(p StatsProvider) {
	if p == nil {
		return
	}
	DayBucketSize.Set(float64(p.DayBucketSize()))
	WeekBucketSize.Set(float64(p.WeekBucketSize()))
	ReconcileQueueUsed.Set(float64(p.ReconcileQueueUsed()))
}
