package pipesock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors updated by a Client or Server.
type Metrics struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	MessagesReceived    prometheus.Counter
	MessagesSent        prometheus.Counter
	BytesReceived       prometheus.Counter
	BytesSent           prometheus.Counter
	Flushes             prometheus.Counter
	ProtocolErrors      prometheus.Counter
}

// NewMetrics creates the transport collectors and registers them with reg.
// A nil reg leaves them unregistered. role becomes a constant label so a
// client and a server can share one registry.
func NewMetrics(reg prometheus.Registerer, role string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pipesock",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		ConnectionsTotal: counter("connections_total", "Connections established."),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pipesock",
			Name:        "connections_active",
			Help:        "Connections currently open.",
			ConstLabels: labels,
		}),
		ConnectionsRejected: counter("connections_rejected_total", "Accepted sockets closed because the connection cap was reached."),
		MessagesReceived:    counter("messages_received_total", "Frames decoded."),
		MessagesSent:        counter("messages_sent_total", "Payloads queued for sending."),
		BytesReceived:       counter("received_bytes_total", "Payload bytes decoded."),
		BytesSent:           counter("sent_bytes_total", "Bytes written including headers."),
		Flushes:             counter("flushes_total", "Batched socket writes."),
		ProtocolErrors:      counter("protocol_errors_total", "Connections dropped for an oversized frame."),
	}
}
