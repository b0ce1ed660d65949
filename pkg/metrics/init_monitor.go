package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMonitorMetrics() {
	r.MonitorRoundsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_monitor_rounds_total",
			Help: "Monitor data recomputations",
		},
		[]string{"base_dn", "outcome"}, // complete, partial
	)

	r.MonitorRoundDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replication_monitor_round_duration_seconds",
			Help:    "Time spent waiting for monitor responses",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5},
		},
		[]string{"base_dn"},
	)

	r.MonitorLateServers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_monitor_late_servers",
			Help: "Replication servers that did not answer the last monitor round in time",
		},
		[]string{"base_dn"},
	)

	r.MissingChanges = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_missing_changes",
			Help: "Estimated changes a data server has not replayed yet",
		},
		[]string{"base_dn", "server_id"},
	)

	r.AssuredAcksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_assured_acks_total",
			Help: "Acknowledgments returned for assured updates",
		},
		[]string{"base_dn", "mode", "outcome"}, // success, timeout, wrong_status, replay_error
	)

	r.StatusChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_status_changes_total",
			Help: "Data server status transitions",
		},
		[]string{"base_dn", "status"},
	)

	r.DegradedServers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replication_degraded_servers",
			Help: "Connected data servers currently in degraded status",
		},
		[]string{"base_dn"},
	)

	r.StatusBroadcastsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_status_broadcasts_total",
			Help: "Pending status messages sent",
		},
		[]string{"base_dn", "kind"}, // heartbeat, topology, monitor
	)
}
