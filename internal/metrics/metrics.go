// Package metrics holds the Prometheus collectors exported on /metrics and the
// request counters reported by the status endpoint.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for ContactDeliveries.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Metrics is the server's collector set, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequests counts finished requests by method, route pattern and status.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration tracks request latency in seconds.
	HTTPDuration *prometheus.HistogramVec

	// RateLimited counts rejected requests by policy.
	RateLimited *prometheus.CounterVec

	// AbuseFlagged counts requests at or above the warn score.
	AbuseFlagged prometheus.Counter

	// Blocked counts requests refused by the blocklist.
	Blocked prometheus.Counter

	// ContactDeliveries counts contact emails by outcome.
	ContactDeliveries *prometheus.CounterVec

	// StreamConnections tracks open websocket connections.
	StreamConnections prometheus.Gauge

	active atomic.Int64
	total  atomic.Int64
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myopenclaw_http_requests_total",
			Help: "Total HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "myopenclaw_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myopenclaw_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"policy"}),
		AbuseFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "myopenclaw_abuse_flagged_total",
			Help: "Requests whose abuse score reached the warn threshold",
		}),
		Blocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "myopenclaw_blocked_requests_total",
			Help: "Requests refused because the client IP is blocklisted",
		}),
		ContactDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myopenclaw_contact_deliveries_total",
			Help: "Contact form emails by delivery outcome",
		}, []string{"status"}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "myopenclaw_stream_connections",
			Help: "Open websocket connections",
		}),
	}
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RequestStarted marks a request in flight.
func (m *Metrics) RequestStarted() {
	m.active.Add(1)
	m.total.Add(1)
}

// RequestFinished marks a request done.
func (m *Metrics) RequestFinished() {
	m.active.Add(-1)
}

// Requests returns the in-flight and total request counts since start.
func (m *Metrics) Requests() (active, total int64) {
	return m.active.Load(), m.total.Load()
}
