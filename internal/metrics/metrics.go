// Package metrics owns the prometheus collectors exported on /metrics.
// Every method is safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secondbrain"

type Metrics struct {
	registry *prometheus.Registry

	pairingLatency   prometheus.Histogram
	pairingCodes     prometheus.Counter
	transitions      *prometheus.CounterVec
	reconnects       prometheus.Counter
	sessions         *prometheus.GaugeVec
	qrSubscribers    prometheus.Gauge
	qrPublished      *prometheus.CounterVec
	qrDropped        prometheus.Counter
	commands         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	persistenceFails prometheus.Counter
}

// New builds the collector set on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pairingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pairing_latency_seconds",
			Help:      "Time from dial to the first pairing code of a connection attempt.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
		}),
		pairingCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_codes_total",
			Help:      "Pairing codes received from the transport.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Controller state transitions by target state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a retryable close.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Known sessions by persisted status.",
		}, []string{"status"}),
		qrSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qr_subscribers",
			Help:      "Live pairing event subscribers.",
		}),
		qrPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_events_published_total",
			Help:      "Hub events published by type.",
		}, []string{"type"}),
		qrDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_events_dropped_total",
			Help:      "Hub events dropped for slow or closed subscribers.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands dispatched by type and outcome.",
		}, []string{"type", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		persistenceFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed session metadata writes.",
		}),
	}
	reg.MustRegister(
		m.pairingLatency,
		m.pairingCodes,
		m.transitions,
		m.reconnects,
		m.sessions,
		m.qrSubscribers,
		m.qrPublished,
		m.qrDropped,
		m.commands,
		m.notifications,
		m.persistenceFails,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObservePairingCode(latency time.Duration) {
	if m == nil {
		return
	}
	m.pairingCodes.Inc()
	if latency > 0 {
		m.pairingLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetSessionCounts replaces the per-status gauges.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for status, n := range counts {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.qrSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.qrSubscribers.Dec()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.qrPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.qrDropped.Inc()
}

func (m *Metrics) Command(kind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) PersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFails.Inc()
}
