// Package metrics exposes Prometheus metrics for the sync queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued tracks jobs accepted into the queue per physical type
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmsync_jobs_enqueued_total",
			Help: "Total number of sync jobs enqueued",
		},
		[]string{"job_type"},
	)

	// JobsProcessed tracks finished job executions per type and result
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmsync_jobs_processed_total",
			Help: "Total number of sync job executions by result",
		},
		[]string{"job_type", "result"},
	)

	// JobDuration tracks wall-clock execution time per job type
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scmsync_job_duration_seconds",
			Help:    "Sync job execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	// ReapedJobs tracks jobs recovered by the reaper per outcome
	ReapedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmsync_reaped_jobs_total",
			Help: "Total number of expired jobs recovered by the reaper",
		},
		[]string{"outcome"},
	)

	// ReapedRuns tracks runs timed out by the reaper
	ReapedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scmsync_reaped_runs_total",
			Help: "Total number of expired runs failed by the reaper",
		},
	)

	// ReleasedLocks tracks locks force-released by the reaper
	ReleasedLocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scmsync_released_locks_total",
			Help: "Total number of expired locks force-released by the reaper",
		},
	)

	// ReaperPassDuration tracks how long each recovery pass takes
	ReaperPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scmsync_reaper_pass_seconds",
			Help:    "Duration of one reaper recovery pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass"},
	)

	// DegradationTrips tracks circuit breaker trips per error category
	DegradationTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scmsync_degradation_trips_total",
			Help: "Total number of per-run degradation trips",
		},
		[]string{"category"},
	)

	// QueueDepth tracks the number of jobs per status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scmsync_queue_depth",
			Help: "Number of sync jobs per status",
		},
		[]string{"status"},
	)
)
