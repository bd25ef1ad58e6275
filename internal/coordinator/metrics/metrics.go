// Package metrics implements the coordinator's Prometheus instrumentation
// and the bounded history ring. The metric names are wire-compatible with
// the existing dashboards, so they must not change.
//
// Unlike the promauto package-level globals common elsewhere, everything
// here hangs off a constructor-built *prometheus.Registry: the Dispatcher
// receives this type through a narrow sink interface, and tests
// substitute in-memory fakes without touching a process-wide registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GaugeSources supplies the live values behind the sampled gauges. Each
// func is called at scrape time; all of them must be safe for concurrent
// use (they read mutex-guarded counts from their owning components).
type GaugeSources struct {
	AgentsConnected func() int
	AgentsTotal     func() int
	PoolSize        func() int
	PoolAvailable   func() int
	WSConnections   func() int
}

// Metrics owns the registry and every collector. It implements
// dispatch.MetricsSink.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	agentRequests   *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec

	// Plain mirrors for the /api/stats JSON snapshot, so the REST layer
	// never has to scrape its own exposition format.
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
}

// New builds a Metrics with its own registry and registers every static
// collector. Gauge sources are attached later via SetSources, once the
// components they read from exist.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		started:  time.Now(),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_dispatcher_requests_total",
			Help: "Resolved dispatch jobs by agent, status, and method.",
		}, []string{"agent", "status", "method"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_dispatcher_request_errors_total",
			Help: "Failed dispatch jobs by agent and error type.",
		}, []string{"agent", "error_type"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_dispatcher_request_duration_seconds",
			Help:    "Wall time from Submit to resolution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent", "method"}),
		agentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_dispatcher_agent_requests_total",
			Help: "Dispatch jobs resolved per agent.",
		}, []string{"agent"}),
		responseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_dispatcher_response_size_bytes",
			Help:    "Response body sizes reported by agents.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"agent"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "http_dispatcher_queue_depth",
			Help: "In-flight dispatch jobs per agent.",
		}, []string{"agent"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "http_dispatcher_uptime_seconds",
		Help: "Seconds since the coordinator started.",
	}, func() float64 { return time.Since(m.started).Seconds() })

	return m
}

// SetSources registers the sampled gauges against the given sources. Must
// be called exactly once, after the registry/pool/hub are constructed.
func (m *Metrics) SetSources(src GaugeSources) {
	factory := promauto.With(m.registry)

	gauge := func(name, help string, f func() int) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(f())
		})
	}
	gauge("http_dispatcher_agents_connected", "Agents with a Live session.", src.AgentsConnected)
	gauge("http_dispatcher_agents_total", "Agents known to the registry in any state.", src.AgentsTotal)
	gauge("http_dispatcher_ip_pool_size", "Entries in the source-IP pool.", src.PoolSize)
	gauge("http_dispatcher_ip_pool_available", "Pool entries owned by Live agents.", src.PoolAvailable)
	gauge("http_dispatcher_websocket_connections", "Open agent WebSocket sessions.", src.WSConnections)
}

// Handler returns the /metrics exposition handler for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest implements dispatch.MetricsSink.
func (m *Metrics) ObserveRequest(agent, status, method string) {
	m.requestsTotal.WithLabelValues(agent, status, method).Inc()
	m.agentRequests.WithLabelValues(agent).Inc()
	m.totalRequests.Add(1)
}

// ObserveError implements dispatch.MetricsSink.
func (m *Metrics) ObserveError(agent, errorType string) {
	m.errorsTotal.WithLabelValues(agent, errorType).Inc()
	m.totalErrors.Add(1)
}

// ObserveDuration implements dispatch.MetricsSink.
func (m *Metrics) ObserveDuration(agent, method string, seconds float64) {
	m.duration.WithLabelValues(agent, method).Observe(seconds)
}

// ObserveResponseSize implements dispatch.MetricsSink.
func (m *Metrics) ObserveResponseSize(agent string, bytes int64) {
	m.responseSize.WithLabelValues(agent).Observe(float64(bytes))
}

// SetQueueDepth implements dispatch.MetricsSink.
func (m *Metrics) SetQueueDepth(agent string, depth int) {
	m.queueDepth.WithLabelValues(agent).Set(float64(depth))
}

// Stats is the /api/stats JSON snapshot.
type Stats struct {
	RequestsTotal      int64   `json:"requests_total"`
	RequestErrorsTotal int64   `json:"request_errors_total"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// Snapshot returns the current counter values for /api/stats.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		RequestsTotal:      m.totalRequests.Load(),
		RequestErrorsTotal: m.totalErrors.Load(),
		UptimeSeconds:      time.Since(m.started).Seconds(),
	}
}
