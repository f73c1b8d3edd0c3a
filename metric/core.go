package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the afspm fabric metrics. All record methods are safe on a
// nil *Metrics so components can run without a registry.
type Metrics struct {
	// Pub/sub
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	Replays           *prometheus.CounterVec
	ReplayedMessages  *prometheus.CounterVec
	KillSignals       *prometheus.CounterVec

	// Control
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ClientRetries   *prometheus.CounterVec
	ControlChanges  prometheus.Counter
	ProblemsActive  prometheus.Gauge

	// Transport
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "pubsub",
			Name:      "published_total",
			Help:      "Total number of messages published",
		}, []string{"component", "envelope"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "pubsub",
			Name:      "received_total",
			Help:      "Total number of messages received and decoded",
		}, []string{"component", "envelope"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "pubsub",
			Name:      "decode_errors_total",
			Help:      "Total number of frames or payloads that failed to decode",
		}, []string{"component"}),

		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "relay",
			Name:      "replays_total",
			Help:      "Total number of cache replays served to new subscribers",
		}, []string{"component"}),

		ReplayedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "relay",
			Name:      "replayed_messages_total",
			Help:      "Total number of cached messages sent in replays",
		}, []string{"component"}),

		KillSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "pubsub",
			Name:      "kill_signals_total",
			Help:      "Total number of kill signals sent or received",
		}, []string{"component", "direction"}),

		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total number of control requests by kind and response",
		}, []string{"component", "request", "response"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "afspm",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "request"}),

		ClientRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "control",
			Name:      "client_retries_total",
			Help:      "Total number of request resends after a timeout",
		}, []string{"client"}),

		ControlChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "control",
			Name:      "state_changes_total",
			Help:      "Total number of published ControlState changes",
		}),

		ProblemsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "afspm",
			Subsystem: "control",
			Name:      "problems_active",
			Help:      "Number of experiment problems currently flagged",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "afspm",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afspm",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesPublished,
		m.MessagesReceived,
		m.DecodeErrors,
		m.Replays,
		m.ReplayedMessages,
		m.KillSignals,
		m.Requests,
		m.RequestDuration,
		m.ClientRetries,
		m.ControlChanges,
		m.ProblemsActive,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordPublished counts a published message.
func (m *Metrics) RecordPublished(component, envelope string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(component, envelope).Inc()
}

// RecordReceived counts a received and decoded message.
func (m *Metrics) RecordReceived(component, envelope string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(component, envelope).Inc()
}

// RecordDecodeError counts a frame or payload that failed to decode.
func (m *Metrics) RecordDecodeError(component string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(component).Inc()
}

// RecordReplay counts a replay and the number of messages it carried.
func (m *Metrics) RecordReplay(component string, messages int) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(component).Inc()
	m.ReplayedMessages.WithLabelValues(component).Add(float64(messages))
}

// RecordKill counts a kill signal; direction is "sent" or "received".
func (m *Metrics) RecordKill(component, direction string) {
	if m == nil {
		return
	}
	m.KillSignals.WithLabelValues(component, direction).Inc()
}

// RecordRequest counts a handled control request and its duration.
func (m *Metrics) RecordRequest(component, request, response string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(component, request, response).Inc()
	m.RequestDuration.WithLabelValues(component, request).Observe(took.Seconds())
}

// RecordRetry counts a client resend.
func (m *Metrics) RecordRetry(client string) {
	if m == nil {
		return
	}
	m.ClientRetries.WithLabelValues(client).Inc()
}

// RecordControlState counts a published ControlState change.
func (m *Metrics) RecordControlState(problems int) {
	if m == nil {
		return
	}
	m.ControlChanges.Inc()
	m.ProblemsActive.Set(float64(problems))
}

// RecordNATSConnection records the connection state.
func (m *Metrics) RecordNATSConnection(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}

// RecordNATSReconnect counts a reconnection.
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
