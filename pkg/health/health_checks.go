package health

import (
	"fmt"
	"runtime"
)

// DomainState is what a replication domain reports to its health check
type DomainState interface {
	BaseDN() string
	DegradedServers() []int32
	LateMonitorServers() int
	PendingAcks() int
}

// ChangelogCheck reports whether the changelog can be read
func ChangelogCheck(ping func() error) CheckFunc {
	return func() Check {
		check := Check{Name: "changelog"}
		if err := ping(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		check.Status = StatusHealthy
		check.Message = "Changelog readable"
		return check
	}
}

// DomainCheck reports degraded data servers and replication servers that
// stopped answering monitor requests
func DomainCheck(domain DomainState) CheckFunc {
	return func() Check {
		degraded := domain.DegradedServers()
		late := domain.LateMonitorServers()

		check := Check{
			Name: "domain " + domain.BaseDN(),
			Details: map[string]any{
				"degraded_servers":     degraded,
				"late_monitor_servers": late,
				"pending_acks":         domain.PendingAcks(),
			},
		}

		switch {
		case len(degraded) > 0 && late > 0:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d degraded data servers, %d replication servers not answering", len(degraded), late)
		case len(degraded) > 0:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d degraded data servers", len(degraded))
		case late > 0:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d replication servers not answering", late)
		default:
			check.Status = StatusHealthy
			check.Message = "Replication healthy"
		}
		return check
	}
}

// MemoryCheck reports heap usage against the memory obtained from the OS
func MemoryCheck() CheckFunc {
	return func() Check {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		check := Check{
			Name: "memory",
			Details: map[string]any{
				"alloc_bytes": mem.Alloc,
				"sys_bytes":   mem.Sys,
				"goroutines":  runtime.NumGoroutine(),
			},
		}

		if mem.Sys > 0 && float64(mem.Alloc)/float64(mem.Sys) > 0.9 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}
		return check
	}
}
