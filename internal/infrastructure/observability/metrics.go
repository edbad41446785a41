package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the performance layer. Each
// collector owns its registry so tests can build as many as they need.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	CacheRequests    *prometheus.CounterVec
	BackendConnected prometheus.Gauge

	OperationDuration *prometheus.HistogramVec
	QueryRetries      *prometheus.CounterVec
	SlowOperations    *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector with the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	cacheRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by key namespace and result",
		},
		[]string{"namespace", "result"},
	)

	backendConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_backend_connected",
			Help:      "1 when the networked cache backend is reachable, 0 while serving from memory",
		},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of timed operations by category",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2.5, 5},
		},
		[]string{"category", "outcome"},
	)

	queryRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_retries_total",
			Help:      "Retries of transient query failures",
		},
		[]string{"label"},
	)

	slowOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_operations_total",
			Help:      "Slow operation alerts by category and severity",
		},
		[]string{"category", "severity"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of optimized HTTP responses",
		},
		[]string{"endpoint", "cache", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	registry.MustRegister(
		cacheRequests,
		backendConnected,
		operationDuration,
		queryRetries,
		slowOperations,
		httpRequests,
		httpDuration,
	)

	return &Collector{
		registry:          registry,
		CacheRequests:     cacheRequests,
		BackendConnected:  backendConnected,
		OperationDuration: operationDuration,
		QueryRetries:      queryRetries,
		SlowOperations:    slowOperations,
		HTTPRequests:      httpRequests,
		HTTPDuration:      httpDuration,
	}
}

func (c *Collector) RecordCacheLookup(namespace string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheRequests.WithLabelValues(namespace, result).Inc()
}

func (c *Collector) SetBackendConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.BackendConnected.Set(1)
	} else {
		c.BackendConnected.Set(0)
	}
}

func (c *Collector) ObserveOperation(category Category, outcome Outcome, d time.Duration) {
	if c == nil {
		return
	}
	c.OperationDuration.WithLabelValues(string(category), string(outcome)).Observe(d.Seconds())
}

func (c *Collector) IncQueryRetry(label string) {
	if c == nil {
		return
	}
	c.QueryRetries.WithLabelValues(label).Inc()
}

func (c *Collector) IncSlowOperation(category Category, severity AlertSeverity) {
	if c == nil {
		return
	}
	c.SlowOperations.WithLabelValues(string(category), string(severity)).Inc()
}

// RecordResponse counts one response of the response optimizer.
func (c *Collector) RecordResponse(endpoint string, fromCache bool, status int, d time.Duration) {
	if c == nil {
		return
	}
	cache := "miss"
	if fromCache {
		cache = "hit"
	}
	c.HTTPRequests.WithLabelValues(endpoint, cache, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// GetRegistry returns the Prometheus registry for this collector.
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
