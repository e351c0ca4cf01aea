package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

// Peer states used as the "state" label of the peers gauge.
const (
	peerReachable   = "reachable"
	peerUnreachable = "unreachable"
)

// Metrics are the Prometheus collectors of one Node.
type Metrics struct {
	Rounds           prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	EventsApplied    prometheus.Counter
	Peers            *prometheus.GaugeVec
	ReplicaEvents    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Rounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Gossip rounds initiated",
		}),
		// Labels: type (push, pull, pull_response, heartbeat, membership_update)
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "messages_sent_total",
			Help:      "Gossip messages delivered to peers",
		}, []string{"type"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "messages_received_total",
			Help:      "Gossip messages received from peers",
		}, []string{"type"}),
		// Labels: code (transport error code)
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "send_failures_total",
			Help:      "Failed gossip sends by transport error code",
		}, []string{"code"}),
		EventsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "events_applied_total",
			Help:      "Remote events newly applied to the local log",
		}),
		// Labels: state (reachable, unreachable)
		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chrysalis",
			Subsystem: "gossip",
			Name:      "peers",
			Help:      "Known peers by reachability",
		}, []string{"state"}),
		ReplicaEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chrysalis",
			Subsystem: "replica",
			Name:      "events",
			Help:      "Events held in the local log",
		}),
	}

	// Pre-register label values so every series is exported from zero.
	for _, t := range gossip.MessageTypes {
		m.MessagesSent.WithLabelValues(string(t))
		m.MessagesReceived.WithLabelValues(string(t))
	}
	for _, c := range transport.ErrorCodes {
		m.SendFailures.WithLabelValues(string(c))
	}
	m.Peers.WithLabelValues(peerReachable)
	m.Peers.WithLabelValues(peerUnreachable)
	return m
}

func (m *Metrics) observePeers(stats gossip.Stats) {
	m.Peers.WithLabelValues(peerReachable).Set(float64(stats.ReachablePeers))
	m.Peers.WithLabelValues(peerUnreachable).Set(float64(stats.TotalPeers - stats.ReachablePeers))
	m.ReplicaEvents.Set(float64(stats.EventCount))
}
