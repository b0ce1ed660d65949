// Package health aggregates the probes exposed on the admin endpoint.
package health

import (
	"time"
)

// NewChecker creates a checker with no probes
func NewChecker() *Checker {
	return &Checker{
		checks: map[probe]map[string]CheckFunc{
			probeHealth:    {},
			probeReadiness: {},
			probeLiveness:  {},
		},
		startedAt: time.Now(),
	}
}

func (c *Checker) register(p probe, name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[p][name] = check
}

// RegisterCheck adds a probe to the health endpoint
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.register(probeHealth, name, check)
}

// RegisterReadinessCheck adds a probe to the readiness endpoint
func (c *Checker) RegisterReadinessCheck(name string, check CheckFunc) {
	c.register(probeReadiness, name, check)
}

// RegisterLivenessCheck adds a probe to the liveness endpoint
func (c *Checker) RegisterLivenessCheck(name string, check CheckFunc) {
	c.register(probeLiveness, name, check)
}

// Check runs the health probes
func (c *Checker) Check() Response { return c.run(probeHealth) }

// CheckReadiness runs the readiness probes
func (c *Checker) CheckReadiness() Response { return c.run(probeReadiness) }

// CheckLiveness runs the liveness probes
func (c *Checker) CheckLiveness() Response { return c.run(probeLiveness) }

func (c *Checker) run(p probe) Response {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks[p]))
	for name, fn := range c.checks[p] {
		checks[name] = fn
	}
	c.mu.RUnlock()

	now := time.Now()
	resp := Response{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    now.Sub(c.startedAt),
	}

	for name, fn := range checks {
		start := time.Now()
		result := fn()
		result.Duration = time.Since(start)
		result.LastChecked = start
		if result.Name == "" {
			result.Name = name
		}
		resp.Checks[name] = result

		if result.Status.worse(resp.Status) {
			resp.Status = result.Status
		}
	}
	return resp
}
