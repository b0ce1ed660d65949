package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.QueueSize = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_peer_queue_messages",
			Help: "Messages waiting in the live queue of a peer handler",
		},
		[]string{"base_dn", "peer_id"},
	)

	r.LateTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_peer_late_transitions_total",
			Help: "Times a peer handler fell behind and switched to changelog catch-up",
		},
		[]string{"base_dn"},
	)

	r.QueueEvictionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_peer_queue_evictions_total",
			Help: "Messages evicted from live queues because a threshold was exceeded",
		},
		[]string{"base_dn"},
	)

	r.LateQueueFillsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_late_queue_fills_total",
			Help: "Late queue refills read from the changelog",
		},
		[]string{"base_dn"},
	)

	r.UpdatesSentTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_updates_sent_total",
			Help: "Updates delivered to peers",
		},
		[]string{"base_dn", "peer_kind"}, // ds, rs
	)

	r.UpdatesReceivedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_updates_received_total",
			Help: "Updates received from peers",
		},
		[]string{"base_dn", "peer_kind"},
	)

	r.ChangelogErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_changelog_errors_total",
			Help: "Changelog access failures",
		},
		[]string{"operation"}, // publish, cursor
	)

	r.PeerSendFailuresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_peer_send_failures_total",
			Help: "Messages that could not be sent to a peer",
		},
		[]string{"base_dn", "msg_type"},
	)
}
