package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Protocol metrics
	ObjectsRestored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_objects_total",
			Help: "Total number of schema objects restored",
		},
		[]string{"backup_id"},
	)

	TuplesRestored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_tuples_total",
			Help: "Total number of tuples restored",
		},
		[]string{"backup_id", "lane"},
	)

	LogEntriesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_log_entries_total",
			Help: "Total number of log entries applied, by outcome",
		},
		[]string{"backup_id", "outcome"},
	)

	TablesExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_tables_excluded_total",
			Help: "Total number of tables excluded after a table, tuple or finalize failure",
		},
		[]string{"backup_id", "phase"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_retries_total",
			Help: "Total number of callback retries after a temporary error",
		},
		[]string{"backup_id", "callback"},
	)

	ReportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_report_failures_total",
			Help: "Total number of swallowed report callback failures",
		},
		[]string{"backup_id", "checkpoint"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluster_restore_phase_duration_seconds",
			Help:    "Duration of restore phases",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backup_id", "phase"},
	)

	// Target metrics
	PlacedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_restore_rows_placed_total",
			Help: "Total rows written, by target node group",
		},
		[]string{"node_group"},
	)

	TargetLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluster_restore_target_latency_seconds",
			Help:    "Target cluster operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Handler routes /metrics to the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes Handler on addr. It blocks until the server fails.
func Serve(addr string) error {
	return http.ListenAndServe(addr, Handler())
}
