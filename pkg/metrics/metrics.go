// Package metrics defines the Prometheus metric collectors used across the
// database and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the structural index.
type Metrics struct {
	NodesIndexedTotal   prometheus.Counter
	NodesRemovedTotal   prometheus.Counter
	BatchesFlushedTotal *prometheus.CounterVec
	DocumentsRemoved    prometheus.Counter
	ScansTotal          *prometheus.CounterVec
	ScanHitsTotal       prometheus.Counter
	ScanDuration        *prometheus.HistogramVec
	PointLookupsTotal   prometheus.Counter
	LockWaitSeconds     *prometheus.HistogramVec
	StoreEntries        prometheus.Gauge
	CheckpointsTotal    prometheus.Counter
	CheckpointDuration  prometheus.Histogram
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	PipelineEventsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		NodesIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_nodes_indexed_total",
				Help: "Total number of element and attribute nodes written to the structural index.",
			},
		),
		NodesRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_nodes_removed_total",
				Help: "Total number of nodes deleted from the structural index.",
			},
		),
		BatchesFlushedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "structural_batches_flushed_total",
				Help: "Total per-qname batches flushed, by mode (store, remove_some).",
			},
			[]string{"mode"},
		),
		DocumentsRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_documents_removed_total",
				Help: "Total number of documents fully removed from the index.",
			},
		),
		ScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "structural_scans_total",
				Help: "Total range scans issued, by query kind (elements, descendants, inventory).",
			},
			[]string{"kind"},
		),
		ScanHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_scan_hits_total",
				Help: "Total nodes returned by element and descendant lookups.",
			},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "structural_scan_duration_seconds",
				Help:    "Range scan latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),
		PointLookupsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_point_lookups_total",
				Help: "Total point lookups issued by ancestor-axis queries.",
			},
		),
		LockWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "structural_lock_wait_seconds",
				Help:    "Time spent waiting for the store lock, by lock kind.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{"kind"},
		),
		StoreEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "structural_store_entries",
				Help: "Number of entries currently held by the ordered store.",
			},
		),
		CheckpointsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_checkpoints_total",
				Help: "Total store checkpoints written.",
			},
		),
		CheckpointDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "structural_checkpoint_duration_seconds",
				Help:    "Checkpoint latency in seconds.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_cache_hits_total",
				Help: "Total query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "structural_cache_misses_total",
				Help: "Total query cache misses.",
			},
		),
		PipelineEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "structural_pipeline_events_total",
				Help: "Total pipeline events consumed, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
	}

	prometheus.MustRegister(
		m.NodesIndexedTotal,
		m.NodesRemovedTotal,
		m.BatchesFlushedTotal,
		m.DocumentsRemoved,
		m.ScansTotal,
		m.ScanHitsTotal,
		m.ScanDuration,
		m.PointLookupsTotal,
		m.LockWaitSeconds,
		m.StoreEntries,
		m.CheckpointsTotal,
		m.CheckpointDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.PipelineEventsTotal,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
