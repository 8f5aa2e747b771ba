// Package metrics exposes Prometheus instrumentation for the pipeline.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// cache
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	cacheTokensSaved  *prometheus.CounterVec
	cacheDecodeErrors *prometheus.CounterVec

	// compute provider
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec

	// orchestrator
	itemsProcessed *prometheus.CounterVec
	itemsInFlight  prometheus.Gauge
	batchDuration  prometheus.Histogram
}

// NewCollector registers all metrics on a private registry so that several
// collectors can coexist in one process (tests, multiple pipelines).
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"stage"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"stage"},
	)
	c.cacheTokensSaved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_tokens_saved_total",
			Help:      "Tokens not spent thanks to cache hits",
		},
		[]string{"stage"},
	)
	c.cacheDecodeErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_decode_errors_total",
			Help:      "Cached payloads that failed to decode and were treated as misses",
		},
		[]string{"stage"},
	)

	c.providerRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of compute provider calls",
		},
		[]string{"stage", "status"},
	)
	c.providerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Compute provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	c.providerTokens = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_used_total",
			Help:      "Total number of tokens used by the compute provider",
		},
		[]string{"stage", "model"},
	)

	c.itemsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items finished by the batch processor",
		},
		[]string{"outcome"},
	)
	c.itemsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_in_flight",
			Help:      "Items currently holding a concurrency slot",
		},
	)
	c.batchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of process and resume calls",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCacheLookup(stage string, hit bool, tokensSaved int) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.WithLabelValues(stage).Inc()
		if tokensSaved > 0 {
			c.cacheTokensSaved.WithLabelValues(stage).Add(float64(tokensSaved))
		}
		return
	}
	c.cacheMisses.WithLabelValues(stage).Inc()
}

func (c *Collector) RecordCacheDecodeError(stage string) {
	if c == nil {
		return
	}
	c.cacheDecodeErrors.WithLabelValues(stage).Inc()
}

func (c *Collector) RecordProviderCall(stage, model, status string, duration time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(stage, status).Inc()
	c.providerDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if tokens > 0 {
		c.providerTokens.WithLabelValues(stage, model).Add(float64(tokens))
	}
}

func (c *Collector) RecordItem(outcome string) {
	if c == nil {
		return
	}
	c.itemsProcessed.WithLabelValues(outcome).Inc()
}

func (c *Collector) ItemStarted() {
	if c == nil {
		return
	}
	c.itemsInFlight.Inc()
}

func (c *Collector) ItemFinished() {
	if c == nil {
		return
	}
	c.itemsInFlight.Dec()
}

func (c *Collector) RecordBatch(duration time.Duration) {
	if c == nil {
		return
	}
	c.batchDuration.Observe(duration.Seconds())
}
