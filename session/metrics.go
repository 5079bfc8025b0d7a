package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatter_client"

// Metrics are the counters of a session.
type Metrics struct {
	connected     prometheus.Gauge
	disconnects   *prometheus.CounterVec
	connectErrors prometheus.Counter
	connectFailed prometheus.Counter
	messages      *prometheus.CounterVec
	duplicates    prometheus.Counter
	droppedEvents *prometheus.CounterVec
	sendRejected  prometheus.Counter
	onlineUsers   prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the realtime connection is up",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection losses by reason",
		}, []string{"reason"}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Failed connection attempts",
		}),
		connectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failed_total",
			Help:      "Reconnection cycles that exhausted their attempts",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_merged_total",
			Help:      "Messages merged into conversation logs",
		}, []string{"kind", "source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Stream messages dropped because their id was already in the log",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped because their payload was malformed",
		}, []string{"event"}),
		sendRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_rejected_total",
			Help:      "Message sends rejected before reaching the transport",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Size of the presence set",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connected, m.disconnects, m.connectErrors, m.connectFailed,
			m.messages, m.duplicates, m.droppedEvents, m.sendRejected, m.onlineUsers,
		)
	}
	return m
}
