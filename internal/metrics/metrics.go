// Package metrics provides Prometheus metrics for the flowtrack service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mentatlab"
	subsystem = "flowtrack"
)

var (
	// FlowsRegistered counts flow registrations by outcome.
	FlowsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flows_registered_total",
			Help:      "Total number of flow registrations by result",
		},
		[]string{"result"}, // "created", "existing", "conflict", "invalid"
	)

	// RunsCreated counts created runs.
	RunsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_created_total",
			Help:      "Total number of runs created",
		},
	)

	// RunsFinalized counts runs reaching a terminal status.
	RunsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_finalized_total",
			Help:      "Total number of runs finalized by terminal status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	// RunsActive tracks non-terminal runs. It is resynced from the run
	// store at startup and on every sweep.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Number of non-terminal runs",
		},
	)

	// RunDuration tracks wall time from start to stop.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Run duration from start to stop in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400},
		},
		[]string{"status"},
	)

	// RecordsAppended counts append attempts by result.
	RecordsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_appended_total",
			Help:      "Total number of record appends by result",
		},
		[]string{"result"}, // "accepted", "duplicate", "rejected", "error"
	)

	// AppendDuration tracks durable append latency.
	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "append_duration_seconds",
			Help:      "Record append latency including the durable write",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// RecordLogRetries counts retried durable writes.
	RecordLogRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recordlog_retries_total",
			Help:      "Total number of retried record log writes by cause",
		},
		[]string{"cause"}, // "durability", "sequence_taken"
	)

	// RecordLogRecovered counts frames inspected during log recovery.
	RecordLogRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recordlog_recovered_total",
			Help:      "Frames seen during record log recovery by outcome",
		},
		[]string{"outcome"}, // "trusted", "replayed", "discarded"
	)

	// RunsAbandoned counts runs force-failed by the sweeper.
	RunsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_abandoned_total",
			Help:      "Total number of runs failed for inactivity",
		},
	)

	// ArchiveUploads counts archive uploads by result.
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "archive_uploads_total",
			Help:      "Total number of finalized-run archive uploads",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEConnections tracks open record streams.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_active_connections",
			Help:      "Number of open record stream connections",
		},
	)
)
