// Package metrics holds the Prometheus collectors for the chat node. All
// recorders are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery paths.
const (
	PathLocal   = "local"
	PathRemote  = "remote"
	PathOffline = "offline"
)

type Metrics struct {
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	deliveries        *prometheus.CounterVec
	mailboxEvictions  prometheus.Counter
	eventErrors       *prometheus.CounterVec
	persistLatency    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Current number of open websocket sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sessions_total",
			Help: "Total number of sessions accepted since start.",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_handshake_failures_total",
			Help: "Rejected websocket handshakes by reason.",
		}, []string{"reason"}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Chat messages durably stored.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Per-recipient deliveries grouped by path.",
		}, []string{"path"}),
		mailboxEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_mailbox_evictions_total",
			Help: "Offline mailbox entries dropped to stay under capacity.",
		}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_event_errors_total",
			Help: "Client events answered with an error, by kind.",
		}, []string{"kind"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_persist_latency_seconds",
			Help:    "Latency of message persistence.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.handshakeFailures,
		m.messagesPersisted,
		m.deliveries,
		m.mailboxEvictions,
		m.eventErrors,
		m.persistLatency,
	)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessagePersisted(took time.Duration) {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
	m.persistLatency.Observe(took.Seconds())
}

func (m *Metrics) Delivered(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) MailboxEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mailboxEvictions.Add(float64(n))
}

func (m *Metrics) EventError(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.eventErrors.WithLabelValues(kind).Inc()
}
