package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector holds the Prometheus metrics for the capture service
type Collector struct {
	// Cache metrics
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	// Capture metrics
	capturesTotal   *prometheus.CounterVec
	captureDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
	dedupWaiters    prometheus.Counter

	// Pool metrics
	poolLive   prometheus.Gauge
	poolIdle   prometheus.Gauge
	poolLeases prometheus.Gauge

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCollector creates a collector registered on the default registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry creates a collector on a custom registry, used by
// tests to avoid duplicate registration
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by result",
	}, []string{"result"}) // result: hit, miss

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "cache_evictions_total",
		Help:      "Cache entries evicted for expiry or corruption",
	})

	c.capturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "captures_total",
		Help:      "Capture requests by outcome",
	}, []string{"status"}) // status: success, error, dedup

	c.captureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering pages",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	c.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "render_retries_total",
		Help:      "Render attempts beyond the first",
	})

	c.dedupWaiters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "dedup_waiters_total",
		Help:      "Requests that shared another request's in-flight render",
	})

	c.poolLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "pool_live_contexts",
		Help:      "Live render contexts in the pool",
	})

	c.poolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "pool_idle_contexts",
		Help:      "Idle render contexts in the pool",
	})

	c.poolLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "pool_active_leases",
		Help:      "Render contexts currently leased",
	})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "http_requests_total",
		Help:      "HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		c.cacheLookups,
		c.cacheEvictions,
		c.capturesTotal,
		c.captureDuration,
		c.retriesTotal,
		c.dedupWaiters,
		c.poolLive,
		c.poolIdle,
		c.poolLeases,
		c.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Capture metrics initialized")
	return c
}

func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (c *Collector) RecordCacheEviction() {
	c.cacheEvictions.Inc()
}

func (c *Collector) RecordCapture(status string) {
	c.capturesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordRenderDuration(seconds float64) {
	c.captureDuration.Observe(seconds)
}

func (c *Collector) RecordRetry() {
	c.retriesTotal.Inc()
}

func (c *Collector) RecordDedupWaiter() {
	c.dedupWaiters.Inc()
}

func (c *Collector) UpdatePool(live, idle, leases int) {
	c.poolLive.Set(float64(live))
	c.poolIdle.Set(float64(idle))
	c.poolLeases.Set(float64(leases))
}

func (c *Collector) RecordHTTPRequest(endpoint, status string) {
	c.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// ServeHTTP serves the Prometheus scrape endpoint
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
