// Package monitoring exposes Prometheus metrics for request dispatch,
// rendering, critical CSS caching and prerendering, plus the health checks
// served on /healthz.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup results recorded by ObserveCriticalCSS.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace prefixes every metric name. Default: "pagerender".
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets for the render duration histogram.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry the collectors register with.
	// Default: a fresh prometheus.Registry
	Registry *prometheus.Registry
}

// MetricsOption configures Metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metric namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets labels added to every metric.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the render duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the registry the collectors register with.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the Prometheus collectors. It satisfies the observer
// interfaces of the engine and the prerender pipeline.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	criticalCSS     *prometheus.CounterVec
	prerenderRoutes *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "pagerender",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		registry: config.Registry,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "requests_total",
			Help:        "Requests dispatched by render mode and response status",
			ConstLabels: config.ConstLabels,
		}, []string{"mode", "status"}),

		renderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "render_duration_seconds",
			Help:        "Time spent in the render function",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"mode"}),

		criticalCSS: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "critical_css_cache_total",
			Help:        "Critical CSS cache lookups by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		prerenderRoutes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "prerender_routes_total",
			Help:        "Prerendered routes by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
	}
}

// Registry returns the registry to expose on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest counts a dispatched request.
func (m *Metrics) ObserveRequest(mode string, status int) {
	m.requestsTotal.WithLabelValues(mode, strconv.Itoa(status)).Inc()
}

// ObserveRender records the duration of one render.
func (m *Metrics) ObserveRender(mode string, d time.Duration) {
	m.renderDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveCriticalCSS counts a critical CSS cache lookup.
func (m *Metrics) ObserveCriticalCSS(result string) {
	m.criticalCSS.WithLabelValues(result).Inc()
}

// ObservePrerenderRoute counts a prerendered route by outcome.
func (m *Metrics) ObservePrerenderRoute(outcome string) {
	m.prerenderRoutes.WithLabelValues(outcome).Inc()
}
