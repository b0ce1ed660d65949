package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/health"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replication"
)

// Domain is the part of a replication domain the admin surface reads.
type Domain interface {
	BaseDN() string
	ChangelogState() *csn.ServerState
	DegradedServers() []int32
	PendingAcks() int
	LateMonitorServers() int
	MonitorData() *replication.MonitorData
	RecomputeMonitorData(ctx context.Context) *replication.MonitorData
}

var _ Domain = (*replication.Domain)(nil)

type domainSummary struct {
	BaseDN             string           `json:"base_dn"`
	ChangelogState     *csn.ServerState `json:"changelog_state"`
	DegradedServers    []int32          `json:"degraded_servers"`
	PendingAcks        int              `json:"pending_acks"`
	LateMonitorServers int              `json:"late_monitor_servers"`
}

func summarize(d Domain) domainSummary {
	degraded := d.DegradedServers()
	if degraded == nil {
		degraded = []int32{}
	}
	return domainSummary{
		BaseDN:             d.BaseDN(),
		ChangelogState:     d.ChangelogState(),
		DegradedServers:    degraded,
		PendingAcks:        d.PendingAcks(),
		LateMonitorServers: d.LateMonitorServers(),
	}
}

// AdminConfig wires the admin router.
type AdminConfig struct {
	Domains []Domain
	Health  *health.Checker
	Metrics *metrics.Registry
	Logger  logging.Logger
}

type adminHandler struct {
	domains map[string]Domain
	logger  logging.Logger
}

// NewAdminRouter returns the admin HTTP handler:
//
//	GET /metrics
//	GET /health, /health/ready, /health/live
//	GET /domains
//	GET /domains/{baseDN}
//	GET /domains/{baseDN}/monitor          fresh monitor data
//	GET /domains/{baseDN}/monitor/cached   last published monitor data
func NewAdminRouter(cfg AdminConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("admin-http"))
	checker := cfg.Health
	if checker == nil {
		checker = health.NewChecker()
	}

	h := &adminHandler{domains: make(map[string]Domain, len(cfg.Domains)), logger: logger}
	for _, d := range cfg.Domains {
		h.domains[d.BaseDN()] = d
	}

	r := mux.NewRouter()
	r.Use(withRequestID, withRecovery(logger), withObservability(logger, cfg.Metrics))

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", checker.HTTPHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.LivenessHandler()).Methods(http.MethodGet)

	r.HandleFunc("/domains", h.listDomains).Methods(http.MethodGet)
	r.HandleFunc("/domains/{baseDN}", h.getDomain).Methods(http.MethodGet)
	r.HandleFunc("/domains/{baseDN}/monitor", h.recomputeMonitor).Methods(http.MethodGet)
	r.HandleFunc("/domains/{baseDN}/monitor/cached", h.cachedMonitor).Methods(http.MethodGet)

	return r
}

func (h *adminHandler) lookup(w http.ResponseWriter, r *http.Request) (Domain, bool) {
	baseDN := mux.Vars(r)["baseDN"]
	d, ok := h.domains[baseDN]
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown replication domain: "+baseDN)
	}
	return d, ok
}

func (h *adminHandler) listDomains(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.domains))
	for name := range h.domains {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domainSummary, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(h.domains[name]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *adminHandler) getDomain(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.lookup(w, r); ok {
		h.writeJSON(w, http.StatusOK, summarize(d))
	}
}

func (h *adminHandler) recomputeMonitor(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.lookup(w, r); ok {
		h.writeJSON(w, http.StatusOK, d.RecomputeMonitorData(r.Context()))
	}
}

func (h *adminHandler) cachedMonitor(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.lookup(w, r); ok {
		h.writeJSON(w, http.StatusOK, d.MonitorData())
	}
}

func (h *adminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode admin response", logging.Error(err))
	}
}

func (h *adminHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
