package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quake_cache"

// Metrics holds the Prometheus counters, histograms, and gauges for the cache engine.
type Metrics struct {
	QueriesTotal  *prometheus.CounterVec // labels: outcome={success,partial,error,busy}
	QueryDuration prometheus.Histogram
	QueryDays     *prometheus.CounterVec // labels: source={cached,fetched}
	FetchRunning  prometheus.Gauge

	// Upstream catalog metrics.
	UpstreamRequests *prometheus.CounterVec // labels: outcome={success,truncated,client_error,rate_limited,server_error,unavailable}
	UpstreamDuration prometheus.Histogram
	UpstreamRetries  prometheus.Counter
	BreakerOpen      prometheus.Gauge

	// Record store metrics.
	StoreCache  *prometheus.CounterVec // labels: result={hit,miss,expired}
	StoreErrors prometheus.Counter

	// Top-off metrics.
	TopOffNewEvents prometheus.Counter
	EventsPublished prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Cache queries by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of a complete plan-fetch-merge cycle.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 60, 180},
		}),
		QueryDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_days_total",
			Help:      "Days served per query, split by cache reuse and upstream fetch.",
		}, []string{"source"}),
		FetchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_running",
			Help:      "1 while a query or top-off holds the engine, 0 otherwise.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream catalog requests by outcome.",
		}, []string{"outcome"}),
		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream catalog request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream requests repeated after a 429 or 5xx response.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_breaker_open",
			Help:      "1 while the upstream circuit breaker rejects calls, 0 otherwise.",
		}),
		StoreCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_cache_total",
			Help:      "Day entry lookups served by the in-memory LRU.",
		}, []string{"result"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed record store reads and writes.",
		}),
		TopOffNewEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topoff_new_events_total",
			Help:      "Events discovered by incremental top-off refreshes.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "New-event notifications written to Kafka.",
		}),
	}

	prometheus.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.QueryDays,
		m.FetchRunning,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.UpstreamRetries,
		m.BreakerOpen,
		m.StoreCache,
		m.StoreErrors,
		m.TopOffNewEvents,
		m.EventsPublished,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		QueriesTotal:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "queries_total"}, []string{"outcome"}),
		QueryDuration:    prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "query_duration_seconds"}),
		QueryDays:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "query_days_total"}, []string{"source"}),
		FetchRunning:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "fetch_running"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "upstream_requests_total"}, []string{"outcome"}),
		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "upstream_duration_seconds"}),
		UpstreamRetries:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "upstream_retries_total"}),
		BreakerOpen:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "upstream_breaker_open"}),
		StoreCache:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "store_cache_total"}, []string{"result"}),
		StoreErrors:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "store_errors_total"}),
		TopOffNewEvents:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "topoff_new_events_total"}),
		EventsPublished:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total"}),
	}
}
