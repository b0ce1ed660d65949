package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// The record helpers below accept a nil *Registry so components can run
// without metrics.

// RecordHTTPRequest records an admin HTTP request with its duration
func (r *Registry) RecordHTTPRequest(route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetQueueSize records the live queue size of a peer handler
func (r *Registry) SetQueueSize(baseDN string, peerID int32, size int) {
	if r == nil {
		return
	}
	r.QueueSize.WithLabelValues(baseDN, formatID(peerID)).Set(float64(size))
}

// RemovePeer drops the per-peer series of a disconnected peer
func (r *Registry) RemovePeer(baseDN string, peerID int32) {
	if r == nil {
		return
	}
	r.QueueSize.DeleteLabelValues(baseDN, formatID(peerID))
	r.MissingChanges.DeleteLabelValues(baseDN, formatID(peerID))
}

// RecordEviction records messages evicted from a live queue and the
// resulting switch to the late state
func (r *Registry) RecordEviction(baseDN string, evicted int, becameLate bool) {
	if r == nil {
		return
	}
	r.QueueEvictionsTotal.WithLabelValues(baseDN).Add(float64(evicted))
	if becameLate {
		r.LateTransitionsTotal.WithLabelValues(baseDN).Inc()
	}
}

// RecordLateQueueFill records one late queue refill
func (r *Registry) RecordLateQueueFill(baseDN string) {
	if r == nil {
		return
	}
	r.LateQueueFillsTotal.WithLabelValues(baseDN).Inc()
}

// RecordUpdateSent records an update delivered to a peer
func (r *Registry) RecordUpdateSent(baseDN, peerKind string) {
	if r == nil {
		return
	}
	r.UpdatesSentTotal.WithLabelValues(baseDN, peerKind).Inc()
}

// RecordUpdateReceived records an update received from a peer
func (r *Registry) RecordUpdateReceived(baseDN, peerKind string) {
	if r == nil {
		return
	}
	r.UpdatesReceivedTotal.WithLabelValues(baseDN, peerKind).Inc()
}

// RecordChangelogError records a changelog access failure
func (r *Registry) RecordChangelogError(operation string) {
	if r == nil {
		return
	}
	r.ChangelogErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordSendFailure records a message that could not be sent to a peer
func (r *Registry) RecordSendFailure(baseDN, msgType string) {
	if r == nil {
		return
	}
	r.PeerSendFailuresTotal.WithLabelValues(baseDN, msgType).Inc()
}

// RecordMonitorRound records a finished monitor round
func (r *Registry) RecordMonitorRound(baseDN string, lateServers int, duration time.Duration) {
	if r == nil {
		return
	}
	outcome := "complete"
	if lateServers > 0 {
		outcome = "partial"
	}
	r.MonitorRoundsTotal.WithLabelValues(baseDN, outcome).Inc()
	r.MonitorRoundDuration.WithLabelValues(baseDN).Observe(duration.Seconds())
	r.MonitorLateServers.WithLabelValues(baseDN).Set(float64(lateServers))
}

// SetMissingChanges records the missing changes computed for a data server
func (r *Registry) SetMissingChanges(baseDN string, serverID int32, missing int64) {
	if r == nil {
		return
	}
	r.MissingChanges.WithLabelValues(baseDN, formatID(serverID)).Set(float64(missing))
}

// RecordAssuredAck records the outcome of an assured update
func (r *Registry) RecordAssuredAck(baseDN, mode, outcome string) {
	if r == nil {
		return
	}
	r.AssuredAcksTotal.WithLabelValues(baseDN, mode, outcome).Inc()
}

// RecordStatusChange records a data server status transition
func (r *Registry) RecordStatusChange(baseDN, status string) {
	if r == nil {
		return
	}
	r.StatusChangesTotal.WithLabelValues(baseDN, status).Inc()
}

// SetDegradedServers records how many data servers are degraded
func (r *Registry) SetDegradedServers(baseDN string, count int) {
	if r == nil {
		return
	}
	r.DegradedServers.WithLabelValues(baseDN).Set(float64(count))
}

// RecordStatusBroadcast records pending status messages sent
func (r *Registry) RecordStatusBroadcast(baseDN, kind string) {
	if r == nil {
		return
	}
	r.StatusBroadcastsTotal.WithLabelValues(baseDN, kind).Inc()
}

// UpdateSystemMetrics refreshes uptime, goroutine and heap gauges
func (r *Registry) UpdateSystemMetrics(startedAt time.Time) {
	if r == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.UptimeSeconds.Set(time.Since(startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
}

func formatID(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}
