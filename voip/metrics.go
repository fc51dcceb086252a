package voip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pandavoip"

// Drop reasons recorded on VoicePacketsDropped.
const (
	DropShort        = "short"
	DropUnauthorized = "unauthorized"
	DropNoSession    = "no_session"
	DropQueueFull    = "queue_full"
)

// Metrics holds the Prometheus collectors for both planes. A nil registerer
// builds collectors that are never exported, which is what tests and
// embedders without a metrics endpoint get by default.
type Metrics struct {
	ControlConnections prometheus.Gauge
	ControlFrames      *prometheus.CounterVec
	Sessions           prometheus.Gauge
	VoiceAuthorized    prometheus.Gauge
	Broadcasts         *prometheus.CounterVec

	VoicePacketsReceived  prometheus.Counter
	VoicePacketsForwarded prometheus.Counter
	VoicePacketsDropped   *prometheus.CounterVec
	VoiceParticipants     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ControlConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "control_connections",
			Help:      "Open control connections",
		}),
		ControlFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_frames_total",
			Help:      "Control frames received by kind",
		}, []string{"kind"}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Registered control sessions",
		}),
		VoiceAuthorized: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "voice_authorized",
			Help:      "Client ids authorized for voice",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Roster broadcasts by roster",
		}, []string{"roster"}),
		VoicePacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "voice_packets_received_total",
			Help:      "Voice datagrams received",
		}),
		VoicePacketsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "voice_packets_forwarded_total",
			Help:      "Voice datagrams forwarded to participants",
		}),
		VoicePacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "voice_packets_dropped_total",
			Help:      "Voice datagrams dropped by reason",
		}, []string{"reason"}),
		VoiceParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "voice_participants",
			Help:      "Voice participants with a learned endpoint",
		}),
	}
}
