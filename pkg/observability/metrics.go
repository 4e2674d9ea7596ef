package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Pipeline metrics
	PipelineRunsTotal     *prometheus.CounterVec
	PipelineStageDuration *prometheus.HistogramVec

	// Interop metrics
	InteropEventsTotal *prometheus.CounterVec

	// Catalog metrics
	CatalogRefreshTotal     *prometheus.CounterVec
	IndexCacheRequestsTotal *prometheus.CounterVec

	// Transformation metrics
	TransformClassesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PipelineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extbridge_pipeline_runs_total",
				Help: "Total number of install pipeline runs",
			},
			[]string{"source", "result"},
		),
		PipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extbridge_pipeline_stage_duration_seconds",
				Help:    "Install pipeline stage duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"stage"},
		),
		InteropEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extbridge_interop_events_total",
				Help: "Total number of interop lifecycle events",
			},
			[]string{"event"},
		),
		CatalogRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extbridge_catalog_refresh_total",
				Help: "Total number of catalog refreshes",
			},
			[]string{"result"},
		),
		IndexCacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extbridge_index_cache_requests_total",
				Help: "Total number of catalog index cache lookups",
			},
			[]string{"tier", "result"},
		),
		TransformClassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extbridge_transform_classes_total",
				Help: "Total number of classes handled by the transformation pass",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		m.PipelineRunsTotal,
		m.PipelineStageDuration,
		m.InteropEventsTotal,
		m.CatalogRefreshTotal,
		m.IndexCacheRequestsTotal,
		m.TransformClassesTotal,
	)

	return m
}

// RecordPipelineRun records the outcome of one install pipeline run
func (m *Metrics) RecordPipelineRun(source, result string) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(source, result).Inc()
}

// ObserveStage records how long a pipeline stage took
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordInteropEvent records an interop event (open, swap, close, error)
func (m *Metrics) RecordInteropEvent(event string) {
	if m == nil {
		return
	}
	m.InteropEventsTotal.WithLabelValues(event).Inc()
}

// RecordCatalogRefresh records the outcome of one catalog refresh
func (m *Metrics) RecordCatalogRefresh(result string) {
	if m == nil {
		return
	}
	m.CatalogRefreshTotal.WithLabelValues(result).Inc()
}

// RecordIndexCache records a lookup in one index cache tier
func (m *Metrics) RecordIndexCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.IndexCacheRequestsTotal.WithLabelValues(tier, result).Inc()
}

// RecordTransform adds n classes handled with the given action
func (m *Metrics) RecordTransform(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransformClassesTotal.WithLabelValues(action).Add(float64(n))
}

// Handler returns the Prometheus scrape handler for registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
