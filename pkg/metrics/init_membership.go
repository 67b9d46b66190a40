package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMembershipMetrics() {
	r.MembershipPeers = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "canteen_membership_peers",
			Help: "Number of peers seen within the liveness TTL",
		},
	)

	r.MembershipEvents = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_membership_events_total",
			Help: "Membership changes observed by this node",
		},
		[]string{"type"}, // join, leave
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_heartbeats_total",
			Help: "Heartbeats sent and received",
		},
		[]string{"direction", "result"}, // sent|received, ok|error
	)

	r.HeartbeatDecodeErrors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "canteen_heartbeat_decode_errors_total",
			Help: "Inbound gossip payloads dropped as malformed",
		},
	)

	r.TransportConnections = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "canteen_transport_connections",
			Help: "Open transport connections to peers",
		},
	)
}
