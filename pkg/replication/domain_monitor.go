package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// MonitoredDS is a connected data server as seen by the monitor.
type MonitoredDS interface {
	ServerID() int32
	ServerState() *csn.ServerState
	ApproxFirstMissingDate() int64
}

// MonitoredRS is a connected replication server as seen by the monitor.
type MonitoredRS interface {
	MonitoredDS
	Send(msg protocol.Msg) error
}

// MonitorSource exposes the topology of a domain to its monitor.
type MonitorSource interface {
	MonitoredDSs() []MonitoredDS
	MonitoredRSs() []MonitoredRS
	ChangelogState() *csn.ServerState
	DSIDsConnectedTo(rsID int32) []int32
}

// DomainMonitor consolidates the monitoring data of every server of a
// domain by querying the connected replication servers.
type DomainMonitor struct {
	baseDN   string
	localID  int32
	source   MonitorSource
	lifetime time.Duration
	timeout  time.Duration
	logger   logging.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	// roundMu makes rounds single flight.
	roundMu sync.Mutex

	// pendingMu guards the round in flight and lateServers.
	pendingMu      sync.Mutex
	pendingData    *MonitorData
	pendingServers map[int32]struct{}
	requestsSent   bool
	releaseCh      chan struct{}
	lateServers    map[int32]struct{}

	published  atomic.Pointer[MonitorData]
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewDomainMonitor creates the monitor of one domain.
func NewDomainMonitor(baseDN string, localID int32, source MonitorSource, cfg Config, logger logging.Logger, reg *metrics.Registry) *DomainMonitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg.ApplyDefaults()

	m := &DomainMonitor{
		baseDN:      baseDN,
		localID:     localID,
		source:      source,
		lifetime:    cfg.MonitorDataLifetime,
		timeout:     cfg.MonitorResponseTimeout,
		logger:      logger.With(logging.Component("domain-monitor"), logging.BaseDN(baseDN)),
		metrics:     reg,
		now:         time.Now,
		lateServers: make(map[int32]struct{}),
		shutdownCh:  make(chan struct{}),
	}
	m.published.Store(NewMonitorData())
	return m
}

// MonitorData returns the last published data without blocking.
func (m *DomainMonitor) MonitorData() *MonitorData {
	return m.published.Load()
}

// RecomputeMonitorData returns monitor data at most lifetime old, running a
// new round when the published data expired. Servers that do not answer
// within the response timeout are left out of the round.
func (m *DomainMonitor) RecomputeMonitorData(ctx context.Context) *MonitorData {
	m.roundMu.Lock()
	defer m.roundMu.Unlock()

	if current := m.published.Load(); m.now().Before(current.buildDate.Add(m.lifetime)) {
		return current
	}

	start := time.Now()
	logger := m.logger.With(logging.Round(uuid.NewString()))

	dss := m.source.MonitoredDSs()
	rss := m.source.MonitoredRSs()
	latest := m.source.ChangelogState()

	m.pendingMu.Lock()
	m.pendingData = NewMonitorData()
	m.pendingServers = make(map[int32]struct{}, len(rss))
	m.requestsSent = false
	m.releaseCh = make(chan struct{})
	m.initializePendingLocked(dss, rss, latest)
	m.pendingMu.Unlock()

	m.sendRequests(rss, logger)

	m.pendingMu.Lock()
	m.requestsSent = true
	m.releaseIfDoneLocked()
	release := m.releaseCh
	m.pendingMu.Unlock()

	m.waitResponses(ctx, release)

	m.pendingMu.Lock()
	data := m.pendingData
	late := m.pendingServers
	m.pendingData = nil
	m.pendingServers = nil
	m.releaseCh = nil
	m.trackLateServersLocked(late, logger)
	lateCount := len(late)
	m.pendingMu.Unlock()

	data.CompleteComputing()
	data.buildDate = m.now()
	m.published.Store(data)

	for _, id := range data.DSIDs() {
		m.metrics.SetMissingChanges(m.baseDN, id, data.MissingChanges(id))
	}
	m.metrics.RecordMonitorRound(m.baseDN, lateCount, time.Since(start))
	logger.Debug("monitor round completed",
		logging.Count(len(rss)), logging.Int("late_servers", lateCount), logging.Latency(time.Since(start)))
	return data
}

// initializePendingLocked seeds the round with what is known locally.
func (m *DomainMonitor) initializePendingLocked(dss []MonitoredDS, rss []MonitoredRS, latest *csn.ServerState) {
	data := m.pendingData
	for _, ds := range dss {
		id := ds.ServerID()
		state := ds.ServerState()
		maxCSN := state.CSN(id)
		if maxCSN == nil {
			zero := csn.New(0, 0, id)
			maxCSN = &zero
		}
		data.SetMaxCSN(*maxCSN)
		data.SetDSState(id, state)
		data.SetFirstMissingDate(id, ds.ApproxFirstMissingDate())
	}
	for _, rs := range rss {
		data.SetRSFirstMissingDate(rs.ServerID(), rs.ApproxFirstMissingDate())
	}
	data.SetMaxCSNs(latest)
}

func (m *DomainMonitor) sendRequests(rss []MonitoredRS, logger logging.Logger) {
	for _, rs := range rss {
		id := rs.ServerID()

		m.pendingMu.Lock()
		m.pendingServers[id] = struct{}{}
		m.pendingMu.Unlock()

		err := rs.Send(&protocol.MonitorRequestMsg{SenderID: m.localID, DestinationID: id})
		if err != nil {
			m.pendingMu.Lock()
			delete(m.pendingServers, id)
			m.pendingMu.Unlock()

			m.metrics.RecordSendFailure(m.baseDN, protocol.MsgMonitorRequest.String())
			logger.Warn("failed to send monitor request", logging.PeerID(id), logging.Error(err))
		}
	}
}

func (m *DomainMonitor) waitResponses(ctx context.Context, release <-chan struct{}) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-release:
	case <-timer.C:
	case <-ctx.Done():
	case <-m.shutdownCh:
	}
}

// releaseIfDoneLocked wakes the round once every request was sent and
// every registered server answered.
func (m *DomainMonitor) releaseIfDoneLocked() {
	if m.releaseCh == nil || !m.requestsSent || len(m.pendingServers) > 0 {
		return
	}
	select {
	case <-m.releaseCh:
	default:
		close(m.releaseCh)
	}
}

// trackLateServersLocked warns once about each server that stopped
// answering. Servers no longer queried leave the set without a log line;
// recoveries are logged when the answer arrives.
func (m *DomainMonitor) trackLateServersLocked(late map[int32]struct{}, logger logging.Logger) {
	for id := range late {
		if _, known := m.lateServers[id]; !known {
			logger.Warn("server did not answer monitor request in time",
				logging.PeerID(id), logging.Duration("timeout", m.timeout))
		}
	}
	m.lateServers = late
}

// LateServers returns how many servers missed the last round.
func (m *DomainMonitor) LateServers() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.lateServers)
}

// ReceiveMonitorDataResponse merges the answer of replication server
// serverID into the round in flight. Answers arriving outside of a round
// are dropped.
func (m *DomainMonitor) ReceiveMonitorDataResponse(msg *protocol.MonitorMsg, serverID int32) {
	// Resolve the data servers behind each listed replication server before
	// taking the pending lock.
	dsBehind := make(map[int32][]int32, len(msg.RSStates))
	for _, rs := range msg.RSStates {
		if rs.ServerID == m.localID {
			for _, ds := range m.source.MonitoredDSs() {
				dsBehind[rs.ServerID] = append(dsBehind[rs.ServerID], ds.ServerID())
			}
			continue
		}
		dsBehind[rs.ServerID] = m.source.DSIDsConnectedTo(rs.ServerID)
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if m.pendingData == nil {
		m.logger.Debug("dropping monitor response received outside of a round", logging.PeerID(serverID))
		return
	}
	data := m.pendingData

	if msg.ReplServerDBState != nil {
		data.SetMaxCSNs(msg.ReplServerDBState)
		data.SetRSState(serverID, msg.ReplServerDBState)
	}
	for _, ds := range msg.DSStates {
		if ds.State != nil {
			data.SetMaxCSNs(ds.State)
			data.SetDSState(ds.ServerID, ds.State)
		}
		data.SetFirstMissingDate(ds.ServerID, ds.FirstMissingDate)
	}
	// The first missing date reported for a replication server is how late
	// the answering server is towards it, hence towards its data servers.
	for _, rs := range msg.RSStates {
		for _, id := range dsBehind[rs.ServerID] {
			data.SetFirstMissingDate(id, rs.FirstMissingDate)
		}
	}

	if _, wasLate := m.lateServers[serverID]; wasLate {
		delete(m.lateServers, serverID)
		m.logger.Info("server answers monitor requests again", logging.PeerID(serverID))
	}
	delete(m.pendingServers, serverID)
	m.releaseIfDoneLocked()
}

// Shutdown releases a round waiting for answers.
func (m *DomainMonitor) Shutdown() {
	m.closeOnce.Do(func() { close(m.shutdownCh) })
}
