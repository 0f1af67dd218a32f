// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the service updates. All collectors are
// registered on a private registry so tests can build isolated sets.
type Set struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	ShedTotal     prometheus.Counter
	QueueDepth    prometheus.GaugeFunc
	BreakerState  prometheus.Gauge
	BreakerLoad   prometheus.Gauge
	ComputeMillis prometheus.Histogram
}

// New builds and registers the collector set. queueDepth is sampled on
// scrape; pass nil to report zero.
func New(queueDepth func() float64) *Set {
	reg := prometheus.NewRegistry()
	if queueDepth == nil {
		queueDepth = func() float64 { return 0 }
	}
	s := &Set{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcalc_requests_total",
			Help: "Compute requests by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epcalc_cache_hits_total",
			Help: "Result cache hits, including joins on in-flight entries.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epcalc_cache_misses_total",
			Help: "Result cache misses that became compute jobs.",
		}),
		ShedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epcalc_shed_total",
			Help: "Requests rejected by the circuit breaker.",
		}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "epcalc_queue_depth",
			Help: "Jobs waiting in the worker pool queue.",
		}, queueDepth),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epcalc_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		BreakerLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epcalc_breaker_load",
			Help: "Combined load signal observed by the breaker.",
		}),
		ComputeMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epcalc_compute_duration_milliseconds",
			Help:    "Wall time of a single kernel evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
	}
	reg.MustRegister(
		s.Requests, s.CacheHits, s.CacheMisses, s.ShedTotal,
		s.QueueDepth, s.BreakerState, s.BreakerLoad, s.ComputeMillis,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
