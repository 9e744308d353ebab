package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Presence
	Rooms    prometheus.Gauge
	Sessions prometheus.Gauge

	// Relay
	Messages *prometheus.CounterVec // kind, outcome: relayed/dropped/invalid
	SlowPeer prometheus.Counter

	// Persistence
	Saves       *prometheus.CounterVec // trigger: explicit/periodic/close, status: success/error/not_found
	SaveLatency prometheus.Histogram

	Handshakes *prometheus.CounterVec // status: accepted/rejected/error
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Rooms: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quillsync_rooms_active",
			Help: "Number of documents with at least one joined session",
		}),
		Sessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quillsync_sessions_joined",
			Help: "Number of sessions joined to a document room",
		}),
		Messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quillsync_messages_total",
			Help: "Inbound realtime messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		SlowPeer: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quillsync_slow_peer_disconnects_total",
			Help: "Connections closed because their send buffer overflowed",
		}),
		Saves: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quillsync_saves_total",
			Help: "Document content persistence attempts",
		}, []string{"trigger", "status"}),
		SaveLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "quillsync_save_latency_seconds",
			Help:    "Latency of document content persistence including retries",
			Buckets: prometheus.DefBuckets,
		}),
		Handshakes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quillsync_handshakes_total",
			Help: "Realtime connection handshakes by outcome",
		}, []string{"status"}),
	}
}

// Discard returns collectors bound to a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
