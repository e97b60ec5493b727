package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks finished jobs per queue, job name and outcome
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_jobs_processed_total",
			Help: "Total number of jobs processed",
		},
		[]string{"queue", "job", "outcome"},
	)

	// JobRetries tracks job-level redeliveries per queue
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_job_retries_total",
			Help: "Total number of job redeliveries",
		},
		[]string{"queue", "job"},
	)

	// JobDuration tracks handler latency
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loyalty_job_duration_seconds",
			Help:    "Job handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "job"},
	)

	// QueueDepth tracks waiting and delayed jobs per queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loyalty_queue_depth",
			Help: "Jobs waiting or delayed per queue",
		},
		[]string{"queue", "state"},
	)

	// TxRetries tracks transaction-level retry attempts
	TxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_tx_retries_total",
			Help: "Total number of database transaction retries",
		},
		[]string{"operation"},
	)

	// PointsAwarded tracks points credited through the pipeline
	PointsAwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_points_awarded_total",
			Help: "Total loyalty points credited",
		},
	)

	// PointsReversed tracks points debited through the pipeline
	PointsReversed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_points_reversed_total",
			Help: "Total loyalty points reversed",
		},
	)

	// CacheMisses tracks balance reads that found no cached value
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_balance_cache_misses_total",
			Help: "Balance reads that missed the cache",
		},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loyalty_db_pool_usage_percent",
			Help: "Database connection pool utilization",
		},
	)
)
