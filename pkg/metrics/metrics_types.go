// Package metrics exposes the Prometheus metrics of the replication server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Admin HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Propagation Metrics
	QueueSize             *prometheus.GaugeVec
	LateTransitionsTotal  *prometheus.CounterVec
	QueueEvictionsTotal   *prometheus.CounterVec
	LateQueueFillsTotal   *prometheus.CounterVec
	UpdatesSentTotal      *prometheus.CounterVec
	UpdatesReceivedTotal  *prometheus.CounterVec
	ChangelogErrorsTotal  *prometheus.CounterVec
	PeerSendFailuresTotal *prometheus.CounterVec

	// Monitoring Metrics
	MonitorRoundsTotal   *prometheus.CounterVec
	MonitorRoundDuration *prometheus.HistogramVec
	MonitorLateServers   *prometheus.GaugeVec
	MissingChanges       *prometheus.GaugeVec

	// Assured Replication and Status Metrics
	AssuredAcksTotal      *prometheus.CounterVec
	StatusChangesTotal    *prometheus.CounterVec
	DegradedServers       *prometheus.GaugeVec
	StatusBroadcastsTotal *prometheus.CounterVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initHTTPMetrics()
	r.initReplicationMetrics()
	r.initMonitorMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
