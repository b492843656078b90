// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine reports. Collectors register
// against the given registry so tests can use an isolated one.
type Metrics struct {
	SyncRunsTotal    *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	FilesProcessed   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	IndexedDocs      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_sync_runs_total",
			Help: "Completed sync runs by terminal status.",
		}, []string{"status"}),
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_records_processed_total",
			Help: "Catalog records processed per integration.",
		}, []string{"integration_id"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncengine_sync_duration_seconds",
			Help:    "End-to-end sync run duration.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		FilesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_files_processed_total",
			Help: "Feed files processed by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncengine_sync_queue_depth",
			Help: "Pending sync requests in the durable queue.",
		}),
		IndexedDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_search_indexed_docs_total",
			Help: "Documents written to the search mirror per integration.",
		}, []string{"integration_id"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncengine_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.SyncRunsTotal, m.RecordsProcessed, m.SyncDuration, m.FilesProcessed,
		m.QueueDepth, m.IndexedDocs, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}
