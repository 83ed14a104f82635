package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for microsignal on its own prometheus.Registry
type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	EventsIngested *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	TrackedSymbols prometheus.Gauge

	// Aggregation
	Cycles         prometheus.Counter
	CycleDuration  prometheus.Histogram
	SymbolOutcomes *prometheus.CounterVec
	SourceResults  *prometheus.CounterVec

	// Outbound
	Publishes    *prometheus.CounterVec
	BufferWrites *prometheus.CounterVec

	// Query API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
}

// NewRegistry creates and registers every metric, plus Go runtime and process collectors
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_events_ingested_total",
				Help: "Market events applied to analyzers by stream",
			},
			[]string{"stream"},
		),

		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_events_rejected_total",
				Help: "Market events dropped at ingestion by stream and reason",
			},
			[]string{"stream", "reason"},
		),

		TrackedSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "microsignal_tracked_symbols",
				Help: "Symbols with analyzer state",
			},
		),

		Cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "microsignal_aggregation_cycles_total",
				Help: "Aggregation cycles run",
			},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "microsignal_aggregation_cycle_duration_seconds",
				Help:    "Duration of one aggregation cycle across all symbols",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),

		SymbolOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_aggregation_symbols_total",
				Help: "Per-symbol aggregation outcomes",
			},
			[]string{"outcome"},
		),

		SourceResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_source_results_total",
				Help: "Component source lookups by source and result",
			},
			[]string{"source", "result"},
		),

		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_publishes_total",
				Help: "Aggregate publishes by topic and result",
			},
			[]string{"topic", "result"},
		),

		BufferWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_buffer_writes_total",
				Help: "Signal buffer writes by result",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_http_requests_total",
				Help: "Query API requests by route and status code",
			},
			[]string{"route", "code"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "microsignal_http_request_duration_seconds",
				Help:    "Query API latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_cache_hits_total",
				Help: "Query cache hits by kind",
			},
			[]string{"kind"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microsignal_cache_misses_total",
				Help: "Query cache misses by kind",
			},
			[]string{"kind"},
		),
	}

	r.reg.MustRegister(
		r.EventsIngested,
		r.EventsRejected,
		r.TrackedSymbols,
		r.Cycles,
		r.CycleDuration,
		r.SymbolOutcomes,
		r.SourceResults,
		r.Publishes,
		r.BufferWrites,
		r.HTTPRequests,
		r.HTTPDuration,
		r.CacheHits,
		r.CacheMisses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom handlers
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics handler for this registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// The Record helpers are nil-safe so components can run without metrics.

// RecordIngested counts an applied event
func (r *Registry) RecordIngested(stream string) {
	if r == nil {
		return
	}
	r.EventsIngested.WithLabelValues(stream).Inc()
}

// RecordRejected counts a dropped event
func (r *Registry) RecordRejected(stream, reason string) {
	if r == nil {
		return
	}
	r.EventsRejected.WithLabelValues(stream, reason).Inc()
}

// SetTrackedSymbols sets the tracked symbol gauge
func (r *Registry) SetTrackedSymbols(n int) {
	if r == nil {
		return
	}
	r.TrackedSymbols.Set(float64(n))
}

// ObserveCycle records one aggregation cycle
func (r *Registry) ObserveCycle(d time.Duration) {
	if r == nil {
		return
	}
	r.Cycles.Inc()
	r.CycleDuration.Observe(d.Seconds())
}

// RecordSymbolOutcome counts a per-symbol aggregation outcome (published, skipped, failed)
func (r *Registry) RecordSymbolOutcome(outcome string) {
	if r == nil {
		return
	}
	r.SymbolOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSource counts a component source lookup (some, none, error)
func (r *Registry) RecordSource(source, result string) {
	if r == nil {
		return
	}
	r.SourceResults.WithLabelValues(source, result).Inc()
}

// RecordPublish counts a publish attempt
func (r *Registry) RecordPublish(topic, result string) {
	if r == nil {
		return
	}
	r.Publishes.WithLabelValues(topic, result).Inc()
}

// RecordBufferWrite counts a buffer write
func (r *Registry) RecordBufferWrite(result string) {
	if r == nil {
		return
	}
	r.BufferWrites.WithLabelValues(result).Inc()
}

// ObserveHTTP records one API request
func (r *Registry) ObserveHTTP(route string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordCache counts a cache lookup
func (r *Registry) RecordCache(kind string, hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.CacheHits.WithLabelValues(kind).Inc()
		return
	}
	r.CacheMisses.WithLabelValues(kind).Inc()
}
