package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(status Status) CheckFunc {
	return func() Check { return Check{Status: status} }
}

func TestCheckerSeparatesProbes(t *testing.T) {
	c := NewChecker()
	var health, ready, live int
	c.RegisterCheck("h", func() Check { health++; return Check{Status: StatusHealthy} })
	c.RegisterReadinessCheck("r", func() Check { ready++; return Check{Status: StatusHealthy} })
	c.RegisterLivenessCheck("l", func() Check { live++; return Check{Status: StatusHealthy} })

	resp := c.Check()
	assert.Contains(t, resp.Checks, "h")
	assert.Equal(t, 1, health)
	assert.Zero(t, ready)
	assert.Zero(t, live)

	c.CheckReadiness()
	c.CheckLiveness()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, live)
}

func TestCheckerWorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no checks", nil, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for i, s := range tt.statuses {
				c.RegisterCheck(string(rune('a'+i)), fixed(s))
			}
			assert.Equal(t, tt.want, c.Check().Status)
		})
	}
}

func TestCheckerFillsNameAndTiming(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("named", fixed(StatusHealthy))

	resp := c.Check()
	check := resp.Checks["named"]
	assert.Equal(t, "named", check.Name)
	assert.False(t, check.LastChecked.IsZero())
	assert.True(t, resp.Uptime >= 0)
}

func TestChangelogCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, ChangelogCheck(func() error { return nil })().Status)

	check := ChangelogCheck(func() error { return errors.New("closed") })()
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "closed", check.Message)
}

type fakeDomain struct {
	degraded []int32
	late     int
}

func (f fakeDomain) BaseDN() string           { return "dc=example,dc=com" }
func (f fakeDomain) DegradedServers() []int32 { return f.degraded }
func (f fakeDomain) LateMonitorServers() int  { return f.late }
func (f fakeDomain) PendingAcks() int         { return 3 }

func TestDomainCheck(t *testing.T) {
	tests := []struct {
		name   string
		domain fakeDomain
		want   Status
	}{
		{"healthy", fakeDomain{}, StatusHealthy},
		{"degraded servers", fakeDomain{degraded: []int32{2}}, StatusDegraded},
		{"late servers", fakeDomain{late: 1}, StatusDegraded},
		{"both", fakeDomain{degraded: []int32{2, 3}, late: 1}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := DomainCheck(tt.domain)()
			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, "domain dc=example,dc=com", check.Name)
			assert.Equal(t, 3, check.Details["pending_acks"])
		})
	}
}

func TestMemoryCheck(t *testing.T) {
	check := MemoryCheck()()
	assert.Equal(t, "memory", check.Name)
	assert.Contains(t, check.Details, "alloc_bytes")
	assert.Contains(t, []Status{StatusHealthy, StatusDegraded}, check.Status)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		handler func(*Checker) http.HandlerFunc
		want    int
	}{
		{"health degraded still ok", StatusDegraded, func(c *Checker) http.HandlerFunc { return c.HTTPHandler() }, http.StatusOK},
		{"health unhealthy", StatusUnhealthy, func(c *Checker) http.HandlerFunc { return c.HTTPHandler() }, http.StatusServiceUnavailable},
		{"readiness degraded", StatusDegraded, func(c *Checker) http.HandlerFunc { return c.ReadinessHandler() }, http.StatusServiceUnavailable},
		{"liveness healthy", StatusHealthy, func(c *Checker) http.HandlerFunc { return c.LivenessHandler() }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterCheck("x", fixed(tt.status))
			c.RegisterReadinessCheck("x", fixed(tt.status))
			c.RegisterLivenessCheck("x", fixed(tt.status))

			rec := httptest.NewRecorder()
			tt.handler(c)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestConcurrentRegistration(t *testing.T) {
	c := NewChecker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.RegisterCheck(string(rune('a'+i)), fixed(StatusHealthy))
		}(i)
		go func() {
			defer wg.Done()
			c.Check()
		}()
	}
	wg.Wait()
	assert.Len(t, c.Check().Checks, 20)
}
