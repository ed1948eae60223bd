package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "scopewatch"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync pipeline metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for a directory sync run to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"vendor"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync pipeline executions.",
	}, []string{"vendor", "status"})

	SyncStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_stage_total",
		Help:      "Count of pipeline stage transitions.",
	}, []string{"stage"})

	SyncBatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_batch_failures_total",
		Help:      "Count of skipped persistence batches.",
	}, []string{"entity"})

	// Vendor API metrics
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Count of outbound vendor API requests.",
	}, []string{"vendor", "status"})

	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting on the outbound request gate.",
		Buckets:   prometheus.DefBuckets,
	})

	QuotaRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_retries_total",
		Help:      "Count of retries caused by vendor quota errors.",
	}, []string{"vendor"})

	// Reconciliation metrics
	ReconcileDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_deletions_total",
		Help:      "Count of entities removed by reconciliation jobs.",
	}, []string{"entity"})

	ReconcileAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_aborts_total",
		Help:      "Count of reconciliation jobs aborted by a safety threshold.",
	}, []string{"reason"})
)
