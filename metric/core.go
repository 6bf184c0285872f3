package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the driver-level counters exposed on the metrics
// endpoint. Per-stream hot-path counters live on the publications and
// images themselves; these aggregate what operators alert on.
type Metrics struct {
	// Data path
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	HeartbeatsSent   prometheus.Counter
	RetransmitsSent  prometheus.Counter
	NaksSent         prometheus.Counter
	NaksReceived     prometheus.Counter
	StatusMessagesSent     prometheus.Counter
	StatusMessagesReceived prometheus.Counter
	SetupFramesSent  prometheus.Counter
	FlowControlUnderRuns prometheus.Counter
	InvalidFrames    prometheus.Counter
	ShortSends       prometheus.Counter

	// Control plane
	ActivePublications prometheus.Gauge
	ActiveImages       prometheus.Gauge
	ActiveClients      prometheus.Gauge
	CommandQueueDepth  prometheus.Gauge
	ClientTimeouts     prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates the driver metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "bytes_sent_total",
			Help:      "Total data bytes sent, including headers and retransmissions",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "receiver",
			Name:      "bytes_received_total",
			Help:      "Total data bytes received, including headers",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat frames sent on idle publications",
		}),
		RetransmitsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "retransmits_sent_total",
			Help:      "Total NAK-triggered retransmissions",
		}),
		NaksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "receiver",
			Name:      "naks_sent_total",
			Help:      "Total NAK frames sent for detected gaps",
		}),
		NaksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "naks_received_total",
			Help:      "Total NAK frames received from receivers",
		}),
		StatusMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "receiver",
			Name:      "status_messages_sent_total",
			Help:      "Total status message frames sent",
		}),
		StatusMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "status_messages_received_total",
			Help:      "Total status message frames received",
		}),
		SetupFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "setup_frames_sent_total",
			Help:      "Total setup frames sent while establishing connections",
		}),
		FlowControlUnderRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "flow_control_under_runs_total",
			Help:      "Duty cycles where the sender was blocked by the flow control limit",
		}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "receiver",
			Name:      "invalid_frames_total",
			Help:      "Total frames dropped as malformed or unroutable",
		}),
		ShortSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "sender",
			Name:      "short_sends_total",
			Help:      "Total sends where the socket accepted fewer bytes than offered",
		}),
		ActivePublications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadriver",
			Subsystem: "conductor",
			Name:      "active_publications",
			Help:      "Current number of active network publications",
		}),
		ActiveImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadriver",
			Subsystem: "conductor",
			Name:      "active_images",
			Help:      "Current number of active publication images",
		}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadriver",
			Subsystem: "conductor",
			Name:      "active_clients",
			Help:      "Current number of live driver clients",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadriver",
			Subsystem: "conductor",
			Name:      "command_queue_depth",
			Help:      "Commands waiting in the conductor queue",
		}),
		ClientTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "conductor",
			Name:      "client_timeouts_total",
			Help:      "Clients reclaimed after missing keepalives",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadriver",
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total errors by component and class",
		}, []string{"component", "class"}),
	}
}

// RecordError increments the error counter for a component and class.
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BytesSent, m.BytesReceived, m.HeartbeatsSent, m.RetransmitsSent,
		m.NaksSent, m.NaksReceived, m.StatusMessagesSent, m.StatusMessagesReceived,
		m.SetupFramesSent, m.FlowControlUnderRuns, m.InvalidFrames, m.ShortSends,
		m.ActivePublications, m.ActiveImages, m.ActiveClients,
		m.CommandQueueDepth, m.ClientTimeouts, m.ErrorsTotal,
	}
}
