// Package metrics exposes the gateway's runtime counters as Prometheus
// collectors and serves them through Collector.Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector bundles every Prometheus collector the gateway produces,
// registered against an isolated registry so tests never collide with
// the process-wide default registry.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitTotal   *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	BackendHealth    *prometheus.GaugeVec
	TenantAllowed    *prometheus.CounterVec
	TenantRejected   *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of requests proxied by the gateway.",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds, from admission to response completion.",
			Buckets:   defaultBuckets,
		}, []string{"route"}),
		RateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by outcome.",
		}, []string{"tenant", "service", "outcome"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total retry attempts issued to upstream backends.",
		}, []string{"route"}),
		BackendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "backend",
			Name:      "health_status",
			Help:      "Backend health: 0=unhealthy, 1=degraded, 2=healthy, 3=unknown.",
		}, []string{"service", "backend"}),
		TenantAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "tenant",
			Name:      "requests_allowed_total",
			Help:      "Requests admitted per tenant.",
		}, []string{"tenant"}),
		TenantRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "tenant",
			Name:      "requests_rejected_total",
			Help:      "Requests rejected per tenant, by reason.",
		}, []string{"tenant", "reason"}),
	}

	reg.MustRegister(
		c.RequestsTotal,
		c.RequestDuration,
		c.RateLimitTotal,
		c.UpstreamRetries,
		c.BackendHealth,
		c.TenantAllowed,
		c.TenantRejected,
	)
	return c
}

// RecordRequest records a completed proxied request.
func (c *Collector) RecordRequest(route, method string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(route, method, statusBucket(status)).Inc()
	c.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRateLimitDecision records a rate limiter admit/reject decision.
func (c *Collector) RecordRateLimitDecision(tenant, service, outcome string) {
	c.RateLimitTotal.WithLabelValues(tenant, service, outcome).Inc()
}

// RecordRetry records a retried upstream attempt for a route.
func (c *Collector) RecordRetry(route string) {
	c.UpstreamRetries.WithLabelValues(route).Inc()
}

// SetBackendHealth records the current health classification of a backend.
func (c *Collector) SetBackendHealth(service, backend string, status int) {
	c.BackendHealth.WithLabelValues(service, backend).Set(float64(status))
}

// RecordTenantAllowed records a request admitted for a tenant.
func (c *Collector) RecordTenantAllowed(tenant string) {
	c.TenantAllowed.WithLabelValues(tenant).Inc()
}

// RecordTenantRejected records a request rejected for a tenant, tagged with reason.
func (c *Collector) RecordTenantRejected(tenant, reason string) {
	c.TenantRejected.WithLabelValues(tenant, reason).Inc()
}

// Handler returns an http.Handler serving the collector's metrics in the
// Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather returns the collector's current metric families, for callers (the
// admin surface's stats.overview) that need to read values back out rather
// than just expose them for scraping.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}

func statusBucket(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
