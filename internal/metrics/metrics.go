// Package metrics declares the Prometheus collectors of the export pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExportRequests counts coordinator outcomes: queued, cached, or an error kind.
	ExportRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskexport_requests_total",
			Help: "Export requests by outcome.",
		},
		[]string{"operation", "result"},
	)

	// ExportJobs counts finished export jobs by format and status.
	ExportJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskexport_jobs_total",
			Help: "Export jobs finished, by format and final status.",
		},
		[]string{"format", "status"},
	)

	// ExportDuration observes wall time of export jobs.
	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskexport_job_duration_seconds",
			Help:    "Duration of export jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"format"},
	)

	// RecordsStreamed counts task rows written to artifacts.
	RecordsStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskexport_records_streamed_total",
			Help: "Task records written to export artifacts.",
		},
		[]string{"format"},
	)

	// CacheLookups counts artifact cache lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskexport_cache_lookups_total",
			Help: "Artifact cache lookups by result.",
		},
		[]string{"result"},
	)

	// StalenessChecks counts staleness decisions (fresh, stale, error).
	StalenessChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskexport_staleness_checks_total",
			Help: "Staleness checks by decision.",
		},
		[]string{"result"},
	)

	// RateLimitWait observes how long job starts waited on the limiter.
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskexport_rate_limit_wait_seconds",
			Help:    "Time job starts spent waiting for the rate limiter.",
			Buckets: []float64{0, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// ActiveJobs is the number of export jobs currently running in this process.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskexport_active_jobs",
			Help: "Export jobs currently running.",
		},
	)
)
