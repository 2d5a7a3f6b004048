// Package monitoring - metrics.go exports Prometheus collectors.
//
// DESIGN: One private prometheus.Registry per Metrics value so tests and
// multiple gateways in one process never collide on registration:
//   - ccproxy_requests_total:         by provider, route, status
//   - ccproxy_request_duration_seconds: latency histogram by provider, route
//   - ccproxy_upstream_errors_total:  by provider, kind (connect, timeout, status)
//   - ccproxy_stream_frames_total:    frames written to clients
//   - ccproxy_streams_total:          streams by provider, outcome
//   - ccproxy_alerts_total:           alerts by name, provider
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ccproxy"

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
	streamFrames   *prometheus.CounterVec
	streams        *prometheus.CounterVec
	alerts         *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors, plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests handled, by provider, route and client status code.",
		}, []string{"provider", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End to end request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "route"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by provider and kind.",
		}, []string{"provider", "kind"}),
		streamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_frames_total",
			Help:      "SSE frames written to clients.",
		}, []string{"provider"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_total",
			Help:      "Streamed responses by provider and outcome.",
		}, []string{"provider", "outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by name and provider.",
		}, []string{"alert", "provider"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.upstreamErrors,
		m.streamFrames,
		m.streams,
		m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(provider, route string, status int, latency time.Duration) {
	m.requests.WithLabelValues(provider, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(provider, route).Observe(latency.Seconds())
}

// UpstreamError counts an upstream failure.
func (m *Metrics) UpstreamError(provider, kind string) {
	m.upstreamErrors.WithLabelValues(provider, kind).Inc()
}

// StreamFinished records a stream's frame count and outcome.
func (m *Metrics) StreamFinished(provider string, outcome StreamOutcome, frames int) {
	m.streams.WithLabelValues(provider, string(outcome)).Inc()
	m.streamFrames.WithLabelValues(provider).Add(float64(frames))
}

// Alert counts a raised alert.
func (m *Metrics) Alert(alert, provider string) {
	m.alerts.WithLabelValues(alert, provider).Inc()
}
