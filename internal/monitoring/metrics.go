// Package monitoring - metrics.go exports Prometheus metrics.
//
// DESIGN: Metrics owns a private registry (no global state), so tests and
// multiple gateways in one process never collide:
//   - sessions_total{outcome,error_kind}: terminal session outcomes
//   - session_duration_seconds{outcome}:  wall-clock session duration
//   - tokens_total{direction}:            input/output tokens
//   - upstream_bytes_total:               bytes read from the backend
//   - pool_connections{state}:            in_use/idle, sampled on scrape
//   - sessions_in_flight:                 admitted sessions, sampled on scrape
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "turnstile"

// Metrics is a Prometheus-backed CompletionSink.
type Metrics struct {
	registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	upstreamBytes prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Streaming sessions by terminal outcome",
		}, []string{"outcome", "error_kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Session wall-clock duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Tokens processed, reported by the backend or estimated",
		}, []string{"direction"}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_bytes_total",
			Help:      "Bytes read from upstream streams",
		}),
	}
	reg.MustRegister(
		m.sessions, m.duration, m.tokens, m.upstreamBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordCompletion implements CompletionSink.
func (m *Metrics) RecordCompletion(c Completion) {
	m.sessions.WithLabelValues(string(c.Outcome), c.ErrorKind).Inc()
	m.duration.WithLabelValues(string(c.Outcome)).Observe(c.Duration.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(c.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(c.OutputTokens))
	m.upstreamBytes.Add(float64(c.UpstreamBytes))
}

// RegisterPool samples connection pool counters on every scrape.
func (m *Metrics) RegisterPool(stats func() (inUse, idle int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "pool_connections",
			Help:        "Upstream connections by state",
			ConstLabels: prometheus.Labels{"state": "in_use"},
		}, func() float64 { inUse, _ := stats(); return float64(inUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "pool_connections",
			Help:        "Upstream connections by state",
			ConstLabels: prometheus.Labels{"state": "idle"},
		}, func() float64 { _, idle := stats(); return float64(idle) }),
	)
}

// RegisterAdmission samples the admitted session count on every scrape.
func (m *Metrics) RegisterAdmission(inFlight func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_in_flight",
		Help:      "Sessions currently holding an admission slot",
	}, func() float64 { return float64(inFlight()) }))
}

// Registry exposes the registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in Prometheus text or OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
