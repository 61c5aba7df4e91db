// Package metrics exposes the Prometheus counters and histograms the
// executor, cache, share and session stores record against. A Metrics
// value is safe to share across goroutines and across every route
// served by one process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the counters and histograms this engine records.
// Nothing in this package serves them over HTTP; SPEC_FULL.md scopes
// HTTP serving to the caller, so Registerer is the only integration
// point — wire it to promhttp.Handler or leave it as
// prometheus.DefaultRegisterer.
type Metrics struct {
	routeExecutionsTotal  *prometheus.CounterVec
	routeExecutionSeconds *prometheus.HistogramVec

	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	cacheSlowPathTotal   *prometheus.CounterVec
	cacheCorruptionTotal *prometheus.CounterVec
	materializeSeconds   *prometheus.HistogramVec

	overlayWritesTotal *prometheus.CounterVec

	shareConsumeTotal   *prometheus.CounterVec
	sessionResolveTotal *prometheus.CounterVec
}

// New creates a Metrics collector and registers it against registerer.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		routeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "route_executions_total",
			Help:      "Total number of route executions by route_id and outcome",
		}, []string{"route_id", "outcome"}),

		routeExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "route_execution_seconds",
			Help:      "Time taken to run a route's full pipeline, COERCE through APPLY_OVERRIDES",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route_id"}),

		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of page-cache hits",
		}, []string{"route_id"}),

		cacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of page-cache misses that triggered materialization",
		}, []string{"route_id"}),

		cacheSlowPathTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "slow_path_total",
			Help:      "Total number of requests served without cache reuse because an invariant value had no index entry",
		}, []string{"route_id"}),

		cacheCorruptionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "corruption_total",
			Help:      "Total number of cache_corrupted errors seen while reading or materializing cache entries",
		}, []string{"route_id"}),

		materializeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "materialize_seconds",
			Help:      "Time taken to materialize a route's result into page files",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route_id"}),

		overlayWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "writes_total",
			Help:      "Total number of cell-override upserts and removals",
		}, []string{"route_id", "operation"}),

		shareConsumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "consume_total",
			Help:      "Total number of share-token consumption attempts by outcome",
		}, []string{"outcome"}),

		sessionResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "resolve_total",
			Help:      "Total number of session-token resolution attempts by outcome",
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.routeExecutionsTotal,
		m.routeExecutionSeconds,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheSlowPathTotal,
		m.cacheCorruptionTotal,
		m.materializeSeconds,
		m.overlayWritesTotal,
		m.shareConsumeTotal,
		m.sessionResolveTotal,
	)
	return m
}

// RecordExecution records one completed route execution and its
// outcome. The executor labels outcomes hit, miss or error; slow-path
// and passthrough executions are labelled miss.
func (m *Metrics) RecordExecution(routeID, outcome string, duration time.Duration) {
	m.routeExecutionsTotal.WithLabelValues(routeID, outcome).Inc()
	m.routeExecutionSeconds.WithLabelValues(routeID).Observe(duration.Seconds())
}

// RecordCacheHit records a page-cache hit for routeID.
func (m *Metrics) RecordCacheHit(routeID string) {
	m.cacheHitsTotal.WithLabelValues(routeID).Inc()
}

// RecordCacheMiss records a page-cache miss for routeID.
func (m *Metrics) RecordCacheMiss(routeID string) {
	m.cacheMissesTotal.WithLabelValues(routeID).Inc()
}

// RecordSlowPath records a request served without cache reuse because a
// supplied invariant value had no index entry.
func (m *Metrics) RecordSlowPath(routeID string) {
	m.cacheSlowPathTotal.WithLabelValues(routeID).Inc()
}

// RecordCacheCorruption records a cache_corrupted error for routeID,
// whether it came from reading a manifest or page or from materializing
// a new entry.
func (m *Metrics) RecordCacheCorruption(routeID string) {
	m.cacheCorruptionTotal.WithLabelValues(routeID).Inc()
}

// RecordMaterialize records the time spent writing a route's result to
// page files.
func (m *Metrics) RecordMaterialize(routeID string, duration time.Duration) {
	m.materializeSeconds.WithLabelValues(routeID).Observe(duration.Seconds())
}

// RecordOverlayWrite records an overlay upsert or removal.
func (m *Metrics) RecordOverlayWrite(routeID, operation string) {
	m.overlayWritesTotal.WithLabelValues(routeID, operation).Inc()
}

// RecordShareConsume records a share-token consumption attempt. outcome
// is one of "ok", "invalid_token", "expired", "used", "ua_mismatch", or
// "ip_mismatch".
func (m *Metrics) RecordShareConsume(outcome string) {
	m.shareConsumeTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionResolve records a session-token resolution attempt.
// outcome is one of "ok", "not_authenticated", "expired",
// "ua_mismatch", or "ip_mismatch".
func (m *Metrics) RecordSessionResolve(outcome string) {
	m.sessionResolveTotal.WithLabelValues(outcome).Inc()
}
