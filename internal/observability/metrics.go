package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PostsCollectedTotal counts posts accepted by the Collector.
	PostsCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "posts_collected_total",
			Help: "Total number of posts inserted by the collector",
		},
	)
	// PostsFilteredTotal counts posts dropped by the Collector filters.
	PostsFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posts_filtered_total",
			Help: "Total number of posts dropped at collection, by reason",
		},
		[]string{"reason"},
	)
	// CollectorDuplicatesTotal counts duplicate source_post_id insertions
	// absorbed by the unique constraint.
	CollectorDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_duplicates_total",
			Help: "Total number of duplicate posts absorbed at collection",
		},
	)

	StageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_attempts_total",
			Help: "Total number of stage attempts by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Stage attempt duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	LLMFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_fallbacks_total",
			Help: "Total number of fallback-model escalations",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending items per logical queue",
		},
		[]string{"queue"},
	)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of work items enqueued",
		},
		[]string{"queue"},
	)

	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_used",
			Help: "Daily quota usage per service",
		},
		[]string{"service"},
	)
	QuotaRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_refusals_total",
			Help: "Total number of requests refused by the quota ledger",
		},
		[]string{"service"},
	)

	TakedownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takedowns_total",
			Help: "Takedown workflow events by action",
		},
		[]string{"action"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all pipeline metrics with the default registry.
// Safe to call from multiple processes' mains.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(PostsCollectedTotal)
		prometheus.MustRegister(PostsFilteredTotal)
		prometheus.MustRegister(CollectorDuplicatesTotal)
		prometheus.MustRegister(StageAttemptsTotal)
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(LLMRequestsTotal)
		prometheus.MustRegister(LLMFallbacksTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(JobsEnqueuedTotal)
		prometheus.MustRegister(QuotaUsed)
		prometheus.MustRegister(QuotaRefusalsTotal)
		prometheus.MustRegister(TakedownsTotal)
	})
}

// EnqueueJob records a work item enqueue for the named queue.
func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}
