// Package metrics holds the Prometheus collectors for the proxy and its HTTP
// API. Each Metrics owns its registry so several instances can coexist.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentproxy"

// Metrics collects request and remote call metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	callCounter   *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight *prometheus.GaugeVec
	forwarded     *prometheus.CounterVec
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are registered alongside the proxy's.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{registry: registry}

	m.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	m.callCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote agent calls by final status",
		},
		[]string{"agent", "status"},
	)
	m.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote agent call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)
	m.callsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_in_flight",
			Help:      "Remote agent calls currently streaming",
		},
		[]string{"agent"},
	)
	m.forwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "forwarded_events_total",
			Help:      "Events forwarded to the local bus",
		},
		[]string{"agent"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCounter,
		m.requestDuration,
		m.callCounter,
		m.callDuration,
		m.callsInFlight,
		m.forwarded,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// CallStarted marks a remote call in flight. The returned func records the
// outcome and must be called exactly once.
func (m *Metrics) CallStarted(agent string) func(status string, forwarded int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.callsInFlight.WithLabelValues(agent).Inc()
	return func(status string, forwarded int) {
		m.callsInFlight.WithLabelValues(agent).Dec()
		m.callCounter.WithLabelValues(agent, status).Inc()
		m.callDuration.WithLabelValues(agent).Observe(time.Since(start).Seconds())
		if forwarded > 0 {
			m.forwarded.WithLabelValues(agent).Add(float64(forwarded))
		}
	}
}
