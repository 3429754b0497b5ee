package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	window   *LatencyWindow

	Turns          *prometheus.CounterVec
	BackendLatency prometheus.Histogram
	Directives     *prometheus.CounterVec
	SchedulerFires *prometheus.CounterVec
	Sessions       prometheus.Gauge
	Notifications  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   NewLatencyWindow(256),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by source and outcome.",
		}, []string{"source", "outcome"}),
		BackendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Model backend completion latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		Directives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Directives found in model output by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SchedulerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Scheduled job fires by outcome.",
		}, []string{"outcome"}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_sessions",
			Help:      "Number of user sessions resident in memory.",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Scheduled reply deliveries by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveTurn records a finished turn. backend is zero when the model was
// never called.
func (m *Metrics) ObserveTurn(source, outcome string, total, backend time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(source, outcome).Inc()
	m.window.Observe("turn_total", float64(total.Milliseconds()))
	if backend > 0 {
		m.BackendLatency.Observe(backend.Seconds())
		m.window.Observe("backend", float64(backend.Milliseconds()))
	}
	if outcome != "ok" {
		m.window.ObserveOutcome(outcome)
	}
}

func (m *Metrics) ObserveDirective(kind, outcome string) {
	if m == nil {
		return
	}
	m.Directives.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveSchedulerFire(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerFires.WithLabelValues(outcome).Inc()
	m.window.Observe("scheduler_fire", float64(took.Milliseconds()))
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// Latency returns the rolling latency summary used by /status.
func (m *Metrics) Latency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.window.Snapshot()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
