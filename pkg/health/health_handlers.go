package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the health probes. A degraded server still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := c.Check()
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, resp)
	}
}

// ReadinessHandler serves the readiness probes
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return strictHandler(c.CheckReadiness)
}

// LivenessHandler serves the liveness probes
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return strictHandler(c.CheckLiveness)
}

// strictHandler answers 503 unless every probe is healthy.
func strictHandler(run func() Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := run()
		code := http.StatusOK
		if resp.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, resp)
	}
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
