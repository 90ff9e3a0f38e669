package netframe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Disconnect reasons reported in the disconnects_total metric and in logs.
const (
	reasonEOF              = "eof"
	reasonError            = "error"
	reasonLocal            = "local"
	reasonProtocol         = "protocol"
	reasonSendQueueFull    = "send_queue_full"
	reasonReceiveQueueFull = "receive_queue_full"
	reasonValidation       = "validation"
)

// MetricsConfig configures NewMetrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "netframe").
	Namespace string

	// Subsystem is the metrics subsystem, typically "server" or "client".
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Metrics holds the Prometheus collectors of one Client or Server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	disconnectsTotal    *prometheus.CounterVec
	validationFailures  prometheus.Counter
	messagesSent        prometheus.Counter
	bytesSent           prometheus.Counter
	messagesReceived    prometheus.Counter
	bytesReceived       prometheus.Counter
	receiveQueueDepth   prometheus.Gauge
	runDuration         prometheus.Histogram
}

// NewMetrics registers the transport collectors with config.Registry.
//
// Metrics collected:
//   - netframe_connections_active: Gauge of open connections
//   - netframe_connections_total: Counter of connections that reached the I/O loops
//   - netframe_connections_rejected_total: Counter of sockets refused at the client limit
//   - netframe_disconnects_total: Counter of closed connections by reason
//   - netframe_validation_failures_total: Counter of rejected security tokens
//   - netframe_messages_sent_total / netframe_bytes_sent_total
//   - netframe_messages_received_total / netframe_bytes_received_total
//   - netframe_receive_queue_depth: Gauge of events left after the last Run
//   - netframe_run_duration_seconds: Histogram of Run call durations
func NewMetrics(config MetricsConfig) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "netframe"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of open connections",
			ConstLabels: config.ConstLabels,
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of established connections",
			ConstLabels: config.ConstLabels,
		}),

		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_rejected_total",
			Help:        "Total number of sockets closed because the client limit was reached",
			ConstLabels: config.ConstLabels,
		}),

		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "disconnects_total",
			Help:        "Total number of closed connections by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		validationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "validation_failures_total",
			Help:        "Total number of connections rejected by the security handshake",
			ConstLabels: config.ConstLabels,
		}),

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of frames written to sockets",
			ConstLabels: config.ConstLabels,
		}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_sent_total",
			Help:        "Total number of bytes written to sockets, headers included",
			ConstLabels: config.ConstLabels,
		}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of frames read from sockets",
			ConstLabels: config.ConstLabels,
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_received_total",
			Help:        "Total number of bytes read from sockets, headers included",
			ConstLabels: config.ConstLabels,
		}),

		receiveQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "receive_queue_depth",
			Help:        "Events left in the receive queue after the last Run",
			ConstLabels: config.ConstLabels,
		}),

		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "run_duration_seconds",
			Help:        "Duration of Run calls in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) connClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.disconnectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) connRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) validationFailed() {
	if m == nil {
		return
	}
	m.validationFailures.Inc()
}

func (m *Metrics) sent(frames, bytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(float64(frames))
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) received(bytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) ran(start time.Time, depth int) {
	if m == nil {
		return
	}
	m.runDuration.Observe(time.Since(start).Seconds())
	m.receiveQueueDepth.Set(float64(depth))
}
