// Package metrics provides Prometheus metrics for ntied-core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ntied_core"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Connection lifecycle
	ConnectionsActive      prometheus.Gauge
	ConnectionsEstablished *prometheus.CounterVec
	ConnectionsClosed      *prometheus.CounterVec
	HandshakeLatency       prometheus.Histogram
	HandshakeRetries       prometheus.Counter
	HandshakeFailures      *prometheus.CounterVec

	// Epoch rotation
	RotationsStarted   prometheus.Counter
	RotationsCompleted prometheus.Counter
	RotationLatency    prometheus.Histogram
	RotationTimeouts   prometheus.Counter

	// Heartbeats
	HeartbeatsSent      prometheus.Counter
	HeartbeatsReceived  prometheus.Counter
	HeartbeatRTT        prometheus.Histogram
	HeartbeatTimeouts   prometheus.Counter

	// AEAD / wire integrity
	NonceReused     prometheus.Counter
	DecryptFailures *prometheus.CounterVec

	// Peer migration
	PeerMigrations prometheus.Counter

	// Rendezvous server
	RendezvousRegistrations prometheus.Counter
	RendezvousRequestsTotal *prometheus.CounterVec
	RendezvousRequestLatency *prometheus.HistogramVec
	RendezvousPeersOnline   prometheus.Gauge

	// Bytes in/out
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// Contact sessions
	ContactSessionsActive      prometheus.Gauge
	ContactStateTransitions    *prometheus.CounterVec
	ContactTieBreaksResolved   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently established encrypted connections",
		}),
		ConnectionsEstablished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "Total connections established by direction",
		}, []string{"direction"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake completion latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_retries_total",
			Help:      "Total handshake retransmissions",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),

		RotationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_started_total",
			Help:      "Total epoch rotations initiated",
		}),
		RotationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_completed_total",
			Help:      "Total epoch rotations completed on both sides",
		}),
		RotationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_latency_seconds",
			Help:      "Histogram of rotation round-trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RotationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_timeouts_total",
			Help:      "Total rotations abandoned after timeout",
		}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat messages sent",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeat acknowledgements received",
		}),
		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Histogram of heartbeat round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total connections dropped for missed heartbeats",
		}),

		NonceReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_reused_total",
			Help:      "Total outbound packets rejected for nonce counter reuse",
		}),
		DecryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total AEAD decrypt failures by epoch relation",
		}, []string{"epoch_relation"}),

		PeerMigrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_migrations_total",
			Help:      "Total times a connection's peer socket address changed",
		}),

		RendezvousRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_registrations_total",
			Help:      "Total registrations processed by the rendezvous server",
		}),
		RendezvousRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_requests_total",
			Help:      "Total rendezvous requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		RendezvousRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rendezvous_request_latency_seconds",
			Help:      "Histogram of rendezvous request round-trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"kind"}),
		RendezvousPeersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rendezvous_peers_online",
			Help:      "Number of peers currently registered with the rendezvous server",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total plaintext bytes sent over established connections",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total plaintext bytes received over established connections",
		}),

		ContactSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contact_sessions_active",
			Help:      "Number of contact sessions currently in the Accepted state",
		}),
		ContactStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_state_transitions_total",
			Help:      "Total contact session state transitions by destination state",
		}, []string{"state"}),
		ContactTieBreaksResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_tie_breaks_resolved_total",
			Help:      "Total simultaneous-open tie-breaks resolved by a contact session",
		}),
	}
}

// RecordConnectionEstablished records a new connection in the given direction
// ("incoming" or "outgoing").
func (m *Metrics) RecordConnectionEstablished(direction string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsEstablished.WithLabelValues(direction).Inc()
}

// RecordConnectionClosed records a connection closing for the given reason.
func (m *Metrics) RecordConnectionClosed(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshake records a completed handshake's latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeFailure records a handshake that never completed.
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

// RecordRotationCompleted records a rotation's round-trip latency.
func (m *Metrics) RecordRotationCompleted(latencySeconds float64) {
	m.RotationsCompleted.Inc()
	m.RotationLatency.Observe(latencySeconds)
}

// RecordHeartbeatRTT records a heartbeat round-trip.
func (m *Metrics) RecordHeartbeatRTT(rttSeconds float64) {
	m.HeartbeatsReceived.Inc()
	m.HeartbeatRTT.Observe(rttSeconds)
}

// RecordDecryptFailure records an AEAD open failure, labeled by whether the
// packet's epoch was current, next, or unknown relative to local state.
func (m *Metrics) RecordDecryptFailure(epochRelation string) {
	m.DecryptFailures.WithLabelValues(epochRelation).Inc()
}

// RecordRendezvousRequest records a rendezvous request's outcome and latency.
func (m *Metrics) RecordRendezvousRequest(kind, outcome string, latencySeconds float64) {
	m.RendezvousRequestsTotal.WithLabelValues(kind, outcome).Inc()
	m.RendezvousRequestLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordContactStateTransition records a contact session entering state.
func (m *Metrics) RecordContactStateTransition(state string) {
	m.ContactStateTransitions.WithLabelValues(state).Inc()
}

// RecordContactTieBreak records a resolved simultaneous-open tie-break.
func (m *Metrics) RecordContactTieBreak() {
	m.ContactTieBreaksResolved.Inc()
}
