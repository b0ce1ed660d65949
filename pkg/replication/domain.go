package replication

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/changelog"
	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// heartbeatMissLimit is the number of heartbeat intervals a peer may stay
// silent before its connection is dropped.
const heartbeatMissLimit = 3

// Domain replicates one base DN. It stores the updates its peers send,
// forwards them to the other peers, tracks assured acknowledgements and
// keeps the topology informed of status changes.
type Domain struct {
	baseDN  string
	cfg     Config
	db      changelog.DomainDB
	logger  logging.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	dss    map[int32]*ServerHandler
	rss    map[int32]*ServerHandler
	closed bool

	// generationID is unset while zero or negative; the first update
	// source sets it.
	generationID atomic.Int64

	monitor   *DomainMonitor
	analyzer  *StatusAnalyzer
	publisher *MonitoringPublisher
	acks      *ackTracker

	pendingMu sync.Mutex
	pending   pendingStatusMessages

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewDomain creates the domain of baseDN backed by db.
func NewDomain(baseDN string, cfg Config, db changelog.DomainDB, logger logging.Logger, reg *metrics.Registry) (*Domain, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid domain config: %w", err)
	}

	d := &Domain{
		baseDN:  baseDN,
		cfg:     cfg,
		db:      db,
		logger:  logger.With(logging.Component("domain"), logging.BaseDN(baseDN)),
		metrics: reg,
		dss:     make(map[int32]*ServerHandler),
		rss:     make(map[int32]*ServerHandler),
		acks:    newAckTracker(),
		pending: newPendingStatusMessages(),
	}
	d.generationID.Store(cfg.GenerationID)
	d.monitor = NewDomainMonitor(baseDN, cfg.ServerID, d, cfg, logger, reg)
	d.analyzer = NewStatusAnalyzer(d, cfg.StatusAnalyzerInterval, d.logger)
	d.publisher = NewMonitoringPublisher(d, cfg.MonitoringPublisherPeriod, d.logger)
	return d, nil
}

// BaseDN returns the replicated base DN.
func (d *Domain) BaseDN() string { return d.baseDN }

// GenerationID returns the generation of the replicated data, zero or
// negative while unset.
func (d *Domain) GenerationID() int64 { return d.generationID.Load() }

// setGenerationIDIfUnset adopts generation when the domain has none yet.
func (d *Domain) setGenerationIDIfUnset(generation int64) {
	if generation <= 0 {
		return
	}
	for {
		current := d.generationID.Load()
		if current > 0 {
			return
		}
		if d.generationID.CompareAndSwap(current, generation) {
			d.logger.Info("generation id set by first update source", logging.Int64("generation_id", generation))
			return
		}
	}
}

// isDifferentGenerationID reports whether generation conflicts with the
// domain's. An unset domain generation conflicts with nothing.
func (d *Domain) isDifferentGenerationID(generation int64) bool {
	current := d.generationID.Load()
	return current > 0 && current != generation
}

// Start launches the status analyzer, the monitoring publisher and the
// heartbeat and purge loops.
func (d *Domain) Start(ctx context.Context) error {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running {
		return fmt.Errorf("domain %s already running", d.baseDN)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := d.analyzer.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := d.publisher.Start(ctx); err != nil {
		d.analyzer.Shutdown()
		cancel()
		return err
	}
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.heartbeatLoop(ctx)

	if d.cfg.PurgeDelay > 0 {
		d.wg.Add(1)
		go d.purgeLoop(ctx)
	}

	d.logger.Info("replication domain started", logging.ServerID(d.cfg.ServerID))
	return nil
}

// Shutdown stops the background goroutines and disconnects every peer.
func (d *Domain) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	peers := make([]*ServerHandler, 0, len(d.dss)+len(d.rss))
	for _, h := range d.dss {
		peers = append(peers, h)
	}
	for _, h := range d.rss {
		peers = append(peers, h)
	}
	d.dss = make(map[int32]*ServerHandler)
	d.rss = make(map[int32]*ServerHandler)
	d.mu.Unlock()

	d.runningMu.Lock()
	if d.running {
		d.cancel()
		d.running = false
	}
	d.runningMu.Unlock()

	d.publisher.Shutdown()
	d.analyzer.Shutdown()
	d.monitor.Shutdown()
	d.wg.Wait()

	for _, h := range peers {
		h.stop()
		d.metrics.RemovePeer(d.baseDN, h.ServerID())
	}
	d.acks.clear()

	d.logger.Info("replication domain stopped", logging.Count(len(peers)))
}

// Register connects a peer to the domain and starts its goroutines.
func (d *Domain) Register(ctx context.Context, info PeerInfo, session Session) (*ServerHandler, error) {
	if err := validation.Struct(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if info.ServerID == d.cfg.ServerID {
		return nil, fmt.Errorf("%w: server id %d is the local server", ErrInvalidPeer, info.ServerID)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDomainClosed
	}
	if d.dss[info.ServerID] != nil || d.rss[info.ServerID] != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrPeerRegistered, info.ServerID)
	}
	h := newServerHandler(d, info, session)
	if h.IsDataServer() {
		d.dss[info.ServerID] = h
	} else {
		d.rss[info.ServerID] = h
	}
	d.mu.Unlock()

	h.start(ctx)

	d.enqueueStatus(func(p *pendingStatusMessages) { p.enqueueTopoInfoToAll() })
	d.logger.Info("peer registered",
		logging.PeerID(info.ServerID),
		logging.String("peer_kind", info.Kind.String()),
		logging.Bool("following", h.queue.IsFollowing()))
	return h, nil
}

// Unregister disconnects a peer. It must not be called from the goroutines
// of that peer.
func (d *Domain) Unregister(serverID int32) error {
	d.mu.Lock()
	h := d.dss[serverID]
	if h != nil {
		delete(d.dss, serverID)
	} else if h = d.rss[serverID]; h != nil {
		delete(d.rss, serverID)
	}
	d.mu.Unlock()

	if h == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, serverID)
	}

	h.stop()
	d.metrics.RemovePeer(d.baseDN, serverID)
	d.enqueueStatus(func(p *pendingStatusMessages) { p.enqueueTopoInfoToAll() })
	d.logger.Info("peer unregistered", logging.PeerID(serverID), logging.String("peer_kind", h.Kind().String()))
	return nil
}

// unregisterAsync drops a peer from one of its own goroutines. Shutdown
// waits for the drop; once the domain is closed Shutdown stops the peer
// itself and nothing is started.
func (d *Domain) unregisterAsync(serverID int32) {
	d.mu.RLock()
	closed := d.closed
	if !closed {
		d.wg.Add(1)
	}
	d.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer d.wg.Done()
		if err := d.Unregister(serverID); err != nil {
			d.logger.Debug("peer already dropped", logging.PeerID(serverID), logging.Error(err))
		}
	}()
}

// Handler returns the connected peer with serverID, or nil.
func (d *Domain) Handler(serverID int32) *ServerHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h := d.dss[serverID]; h != nil {
		return h
	}
	return d.rss[serverID]
}

func (d *Domain) dataServers() []*ServerHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedHandlers(d.dss)
}

func (d *Domain) replicationServers() []*ServerHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedHandlers(d.rss)
}

func sortedHandlers(m map[int32]*ServerHandler) []*ServerHandler {
	out := make([]*ServerHandler, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *ServerHandler) int { return int(a.ServerID()) - int(b.ServerID()) })
	return out
}

// Receive handles a message read from source.
func (d *Domain) Receive(source *ServerHandler, msg protocol.Msg) {
	switch m := msg.(type) {
	case *protocol.UpdateMsg:
		_ = d.Put(m, source)
	case *protocol.AckMsg:
		d.ProcessAck(m, source)
	case *protocol.MonitorRequestMsg:
		d.enqueueMonitorReply(m, source)
	case *protocol.MonitorMsg:
		if source.IsDataServer() {
			source.logger.Warn("ignoring monitor data sent by a data server")
			return
		}
		d.monitor.ReceiveMonitorDataResponse(m, source.ServerID())
	case *protocol.ChangeStatusMsg:
		d.ProcessNewStatus(source, m)
	case *protocol.TopologyMsg:
		d.receiveTopology(source, m)
	case *protocol.HeartbeatMsg:
	default:
		source.logger.Warn("unexpected message", logging.String("type", msg.Type().String()))
	}
}

// Put stores update and forwards it to the other peers. Assured updates
// are acknowledged to source once the expected servers answered or the
// assured timeout elapsed.
func (d *Domain) Put(update *protocol.UpdateMsg, source *ServerHandler) error {
	d.setGenerationIDIfUnset(source.GenerationID())
	source.queue.UpdateServerState(update)
	d.metrics.RecordUpdateReceived(d.baseDN, source.Kind().String())

	stored, err := d.db.Publish(d.baseDN, update)
	if err != nil {
		d.metrics.RecordChangelogError("publish")
		d.logger.Error("failed to store update",
			logging.CSN(update.CSN), logging.PeerID(source.ServerID()), logging.Error(err))
		return err
	}
	if !stored {
		d.logger.Debug("update already stored", logging.CSN(update.CSN), logging.PeerID(source.ServerID()))
		return nil
	}

	var expected map[int32]bool
	if update.Assured {
		if info := d.prepareAssured(update, source); info != nil {
			expected = make(map[int32]bool)
			for _, id := range info.ExpectedServers() {
				expected[id] = true
			}
			if len(expected) == 0 && info.MarkCompleted() {
				d.replyAck(info, info.CreateAck(false))
			} else {
				d.acks.add(info, d.cfg.AssuredTimeout, d.assuredTimeout)
			}
		}
	}

	forPeer := func(h *ServerHandler) *protocol.UpdateMsg {
		if update.Assured && !expected[h.ServerID()] {
			return update.NotAssured()
		}
		return update
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if source.IsDataServer() {
		for _, rs := range d.rss {
			if d.isDifferentGenerationID(rs.GenerationID()) {
				rs.logger.Debug("not forwarding update to replication server with another generation",
					logging.CSN(update.CSN), logging.Int64("generation_id", rs.GenerationID()))
				continue
			}
			rs.add(forPeer(rs))
		}
	}
	for _, ds := range d.dss {
		if ds == source {
			continue
		}
		switch ds.Status() {
		case protocol.StatusBadGenID, protocol.StatusFullUpdate:
			continue
		}
		ds.add(forPeer(ds))
	}
	return nil
}

// prepareAssured builds the ack tracking of an assured update, or returns
// nil when the mode is unknown.
func (d *Domain) prepareAssured(update *protocol.UpdateMsg, source *ServerHandler) ExpectedAcksInfo {
	switch update.AssuredMode {
	case protocol.SafeReadMode:
		return d.prepareSafeRead(update, source)
	case protocol.SafeDataMode:
		if !source.IsDataServer() {
			// Stored locally, which is all a replication server asks for.
			return NewSafeDataExpectedAcksInfo(update.CSN, source.ServerID(), 1, nil, d.logger)
		}
		return d.prepareSafeData(update, source)
	default:
		d.logger.Warn("assured update with unknown mode",
			logging.CSN(update.CSN), logging.String("mode", update.AssuredMode.String()))
		return nil
	}
}

func (d *Domain) prepareSafeRead(update *protocol.UpdateMsg, source *ServerHandler) ExpectedAcksInfo {
	var expected, wrongStatus []int32

	if source.GroupID() == d.cfg.GroupID {
		d.mu.RLock()
		if source.IsDataServer() {
			for id, rs := range d.rss {
				if rs.GroupID() == d.cfg.GroupID && !d.isDifferentGenerationID(rs.GenerationID()) {
					expected = append(expected, id)
				}
			}
		}
		for id, ds := range d.dss {
			if ds == source || ds.GroupID() != d.cfg.GroupID {
				continue
			}
			switch ds.Status() {
			case protocol.StatusNormal:
				expected = append(expected, id)
			case protocol.StatusDegraded:
				wrongStatus = append(wrongStatus, id)
			}
		}
		d.mu.RUnlock()
	}

	return NewSafeReadExpectedAcksInfo(update.CSN, source.ServerID(), expected, wrongStatus, d.logger)
}

func (d *Domain) prepareSafeData(update *protocol.UpdateMsg, source *ServerHandler) ExpectedAcksInfo {
	level := update.SafeDataLevel
	if level == 0 {
		d.logger.Warn("safe data update without level", logging.CSN(update.CSN))
		level = 1
	}
	if level == 1 || source.GroupID() != d.cfg.GroupID {
		return NewSafeDataExpectedAcksInfo(update.CSN, source.ServerID(), 1, nil, d.logger)
	}

	var eligible []int32
	d.mu.RLock()
	for id, rs := range d.rss {
		if rs.GroupID() == d.cfg.GroupID && !d.isDifferentGenerationID(rs.GenerationID()) {
			eligible = append(eligible, id)
		}
	}
	d.mu.RUnlock()

	return NewSafeDataExpectedAcksInfo(update.CSN, source.ServerID(), level, eligible, d.logger)
}

// ProcessAck records an ack sent by from. When it completes the assured
// update, the combined ack is returned to the requester.
func (d *Domain) ProcessAck(ack *protocol.AckMsg, from *ServerHandler) {
	info := d.acks.get(ack.CSN)
	if info == nil {
		d.logger.Debug("ack for an update no longer waiting", logging.CSN(ack.CSN), logging.PeerID(from.ServerID()))
		return
	}
	if !info.ProcessReceivedAck(from.ServerID(), ack) {
		return
	}
	if !info.MarkCompleted() {
		return
	}
	d.acks.remove(ack.CSN)
	d.replyAck(info, info.CreateAck(false))
}

func (d *Domain) assuredTimeout(info ExpectedAcksInfo) {
	if !info.MarkCompleted() {
		return
	}
	ack := info.CreateAck(true)
	d.logger.Warn("assured update timed out",
		logging.CSN(info.CSN()),
		logging.String("mode", info.Mode().String()),
		logging.Any("failed_servers", ack.FailedServers))
	d.replyAck(info, ack)
}

func (d *Domain) replyAck(info ExpectedAcksInfo, ack *protocol.AckMsg) {
	outcome := "success"
	switch {
	case ack.HasTimeout:
		outcome = "timeout"
	case ack.HasErrors():
		outcome = "error"
	}
	d.metrics.RecordAssuredAck(d.baseDN, info.Mode().String(), outcome)

	requester := d.Handler(info.RequesterID())
	if requester == nil {
		d.logger.Debug("assured requester gone", logging.CSN(info.CSN()), logging.PeerID(info.RequesterID()))
		return
	}
	if err := requester.Send(ack); err != nil {
		requester.logger.Warn("failed to send ack", logging.CSN(ack.CSN), logging.Error(err))
	}
}

// PendingAcks returns the number of assured updates waiting for acks.
func (d *Domain) PendingAcks() int {
	return d.acks.size()
}

// ProcessNewStatus applies a status change requested by a data server.
func (d *Domain) ProcessNewStatus(ds *ServerHandler, msg *protocol.ChangeStatusMsg) {
	if !ds.IsDataServer() {
		ds.logger.Warn("ignoring status change from a replication server")
		return
	}
	status := msg.NewStatus
	if status == protocol.StatusInvalid {
		status = msg.RequestedStatus
	}
	changed, err := ds.applyPeerStatus(status)
	if err != nil {
		ds.logger.Warn("rejecting status change", logging.String("status", status.String()), logging.Error(err))
		return
	}
	if !changed {
		return
	}
	d.metrics.RecordStatusChange(d.baseDN, status.String())
	ds.logger.Info("data server changed status", logging.String("status", status.String()))
	d.enqueueStatus(func(p *pendingStatusMessages) {
		p.enqueueTopoInfoToAllDSsExcept(ds.ServerID())
		p.enqueueTopoInfoToAllRSs()
	})
}

func (d *Domain) receiveTopology(rs *ServerHandler, msg *protocol.TopologyMsg) {
	if rs.IsDataServer() {
		rs.logger.Warn("ignoring topology sent by a data server")
		return
	}
	rs.setRemoteTopology(msg.DSInfos)
	d.enqueueStatus(func(p *pendingStatusMessages) { p.enqueueTopoInfoToAllDSsExcept(noExcludedDS) })
}

// CheckDSDegradedStatus moves data servers whose pending changes reached
// the degraded threshold to DEGRADED, and back to NORMAL once below it.
func (d *Domain) CheckDSDegradedStatus() {
	threshold := int64(d.cfg.DegradedStatusThreshold)
	if threshold <= 0 {
		return
	}

	degraded := 0
	for _, ds := range d.dataServers() {
		pending := ds.RcvQueueSize()

		var event protocol.StatusEvent
		switch status := ds.Status(); {
		case status == protocol.StatusNormal && pending >= threshold:
			event = protocol.EventToDegraded
		case status == protocol.StatusDegraded && pending < threshold:
			event = protocol.EventToNormal
		}
		if event != 0 {
			d.changeStatusFromStatusAnalyzer(ds, event, pending)
		}
		if ds.Status() == protocol.StatusDegraded {
			degraded++
		}
	}
	d.metrics.SetDegradedServers(d.baseDN, degraded)
}

func (d *Domain) changeStatusFromStatusAnalyzer(ds *ServerHandler, event protocol.StatusEvent, pending int64) {
	next, changed, err := ds.changeStatus(event)
	if err != nil {
		ds.logger.Warn("status change refused", logging.String("event", event.String()), logging.Error(err))
		return
	}
	if !changed {
		return
	}
	d.metrics.RecordStatusChange(d.baseDN, next.String())
	ds.logger.Info("data server status changed by analyzer",
		logging.String("status", next.String()), logging.Int64("pending_changes", pending))
	d.enqueueStatus(func(p *pendingStatusMessages) {
		p.enqueueTopoInfoToAllDSsExcept(ds.ServerID())
		p.enqueueTopoInfoToAllRSs()
	})
}

// DegradedServers returns the ids of the data servers in DEGRADED status.
func (d *Domain) DegradedServers() []int32 {
	var ids []int32
	for _, ds := range d.dataServers() {
		if ds.Status() == protocol.StatusDegraded {
			ids = append(ids, ds.ServerID())
		}
	}
	return ids
}

// enqueueStatus records status messages and wakes the analyzer.
func (d *Domain) enqueueStatus(fn func(p *pendingStatusMessages)) {
	d.pendingMu.Lock()
	fn(&d.pending)
	d.pendingMu.Unlock()
	d.analyzer.NotifyPendingStatusMessage()
}

func (d *Domain) enqueueMonitorReply(req *protocol.MonitorRequestMsg, source *ServerHandler) {
	if req.DestinationID != 0 && req.DestinationID != d.cfg.ServerID {
		source.logger.Warn("monitor request for another server", logging.ServerID(req.DestinationID))
		return
	}
	if source.IsDataServer() {
		msg := d.CreateGlobalTopologyMonitorMsg(source.ServerID(), d.monitor.MonitorData())
		d.enqueueStatus(func(p *pendingStatusMessages) { p.enqueueDSMonitorMsg(source.ServerID(), msg) })
		return
	}
	msg := d.CreateLocalTopologyMonitorMsg(source.ServerID())
	d.enqueueStatus(func(p *pendingStatusMessages) { p.enqueueRSMonitorMsg(source.ServerID(), msg) })
}

// SendPendingStatusMessages sends the status messages queued since the
// previous call. Only the StatusAnalyzer calls it.
func (d *Domain) SendPendingStatusMessages() {
	d.pendingMu.Lock()
	p := d.pending
	d.pending = newPendingStatusMessages()
	d.pendingMu.Unlock()

	if p.empty() {
		return
	}

	for id, msg := range p.dsMonitorMsgs {
		d.sendStatus(d.Handler(id), msg, "monitor")
	}
	for id, msg := range p.rsMonitorMsgs {
		d.sendStatus(d.Handler(id), msg, "monitor")
	}
	if p.sendDSTopology {
		for _, ds := range d.dataServers() {
			if ds.ServerID() == p.excludedDS {
				continue
			}
			d.sendStatus(ds, d.topologyForDS(ds.ServerID()), "topology")
		}
	}
	if p.sendRSTopology {
		msg := d.topologyForRS()
		for _, rs := range d.replicationServers() {
			d.sendStatus(rs, msg, "topology")
		}
	}
	if p.heartbeat {
		msg := &protocol.HeartbeatMsg{SentAt: time.Now().UnixMilli()}
		for _, h := range append(d.dataServers(), d.replicationServers()...) {
			d.sendStatus(h, msg, "heartbeat")
		}
	}
}

func (d *Domain) sendStatus(h *ServerHandler, msg protocol.Msg, kind string) {
	if h == nil {
		return
	}
	if err := h.Send(msg); err != nil {
		h.logger.Warn("failed to send status message", logging.String("kind", kind), logging.Error(err))
		return
	}
	d.metrics.RecordStatusBroadcast(d.baseDN, kind)
}

// localRSInfo describes this replication server.
func (d *Domain) localRSInfo() protocol.RSInfo {
	return protocol.RSInfo{
		ServerID:     d.cfg.ServerID,
		GenerationID: d.GenerationID(),
		GroupID:      d.cfg.GroupID,
		Weight:       d.cfg.Weight,
		ServerURL:    d.cfg.ServerURL,
	}
}

// topologyForDS describes every other server of the topology to data
// server destID.
func (d *Domain) topologyForDS(destID int32) *protocol.TopologyMsg {
	msg := &protocol.TopologyMsg{RSInfos: []protocol.RSInfo{d.localRSInfo()}}
	for _, ds := range d.dataServers() {
		if ds.ServerID() != destID {
			msg.DSInfos = append(msg.DSInfos, ds.DSInfo())
		}
	}
	for _, rs := range d.replicationServers() {
		msg.RSInfos = append(msg.RSInfos, rs.RSInfo())
		for _, remote := range rs.RemoteDSs() {
			if remote.ServerID != destID {
				msg.DSInfos = append(msg.DSInfos, remote)
			}
		}
	}
	return msg
}

// topologyForRS describes the local servers to the other replication
// servers.
func (d *Domain) topologyForRS() *protocol.TopologyMsg {
	msg := &protocol.TopologyMsg{RSInfos: []protocol.RSInfo{d.localRSInfo()}}
	for _, ds := range d.dataServers() {
		msg.DSInfos = append(msg.DSInfos, ds.DSInfo())
	}
	return msg
}

// CreateGlobalTopologyMonitorMsg builds the monitor message sent to a data
// server from consolidated monitor data.
func (d *Domain) CreateGlobalTopologyMonitorMsg(destID int32, data *MonitorData) *protocol.MonitorMsg {
	msg := &protocol.MonitorMsg{
		SenderID:          d.cfg.ServerID,
		DestinationID:     destID,
		ReplServerDBState: d.ChangelogState(),
	}
	for _, id := range data.DSIDs() {
		msg.SetServerState(id, data.DSState(id), data.ApproxFirstMissingDate(id))
	}
	for _, id := range data.RSIDs() {
		msg.SetReplServerState(id, data.RSState(id), data.RSApproxFirstMissingDate(id))
	}
	msg.SetReplServerState(d.cfg.ServerID, d.ChangelogState(), data.RSApproxFirstMissingDate(d.cfg.ServerID))
	return msg
}

// CreateLocalTopologyMonitorMsg builds the answer to a monitor request of
// replication server destID from the locally connected servers.
func (d *Domain) CreateLocalTopologyMonitorMsg(destID int32) *protocol.MonitorMsg {
	msg := &protocol.MonitorMsg{
		SenderID:          d.cfg.ServerID,
		DestinationID:     destID,
		ReplServerDBState: d.ChangelogState(),
	}
	for _, ds := range d.dataServers() {
		msg.SetServerState(ds.ServerID(), ds.ServerState(), ds.ApproxFirstMissingDate())
	}
	for _, rs := range d.replicationServers() {
		msg.SetReplServerState(rs.ServerID(), rs.ServerState(), rs.ApproxFirstMissingDate())
	}
	return msg
}

// PublishMonitorData pushes data to every connected data server.
func (d *Domain) PublishMonitorData(data *MonitorData) {
	for _, ds := range d.dataServers() {
		d.sendStatus(ds, d.CreateGlobalTopologyMonitorMsg(ds.ServerID(), data), "monitor")
	}
}

// MonitorData returns the last consolidated monitor data.
func (d *Domain) MonitorData() *MonitorData {
	return d.monitor.MonitorData()
}

// RecomputeMonitorData returns fresh monitor data, querying the other
// replication servers when the cached data expired.
func (d *Domain) RecomputeMonitorData(ctx context.Context) *MonitorData {
	return d.monitor.RecomputeMonitorData(ctx)
}

// LateMonitorServers returns how many replication servers missed the last
// monitor round.
func (d *Domain) LateMonitorServers() int {
	return d.monitor.LateServers()
}

// MonitoredDSs implements MonitorSource.
func (d *Domain) MonitoredDSs() []MonitoredDS {
	dss := d.dataServers()
	out := make([]MonitoredDS, len(dss))
	for i, ds := range dss {
		out[i] = ds
	}
	return out
}

// MonitoredRSs implements MonitorSource.
func (d *Domain) MonitoredRSs() []MonitoredRS {
	rss := d.replicationServers()
	out := make([]MonitoredRS, len(rss))
	for i, rs := range rss {
		out[i] = rs
	}
	return out
}

// ChangelogState returns the newest change stored per replica.
func (d *Domain) ChangelogState() *csn.ServerState {
	return d.db.LatestState(d.baseDN)
}

// DSIDsConnectedTo implements MonitorSource.
func (d *Domain) DSIDsConnectedTo(rsID int32) []int32 {
	d.mu.RLock()
	rs := d.rss[rsID]
	d.mu.RUnlock()
	if rs == nil {
		return nil
	}
	return rs.remoteDSIDs()
}

func (d *Domain) heartbeatLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	silence := heartbeatMissLimit * d.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.enqueueStatus(func(p *pendingStatusMessages) { p.heartbeat = true })

		for _, h := range append(d.dataServers(), d.replicationServers()...) {
			if time.Since(h.LastSeen()) < silence {
				continue
			}
			h.logger.Warn("peer silent, dropping connection", logging.Duration("silence", time.Since(h.LastSeen())))
			d.unregisterAsync(h.ServerID())
		}
	}
}

func (d *Domain) purgeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.purge()
		}
	}
}

func (d *Domain) purge() {
	timer := logging.StartTimer(d.logger, "changelog purged")
	purged, err := d.db.Purge(d.baseDN, time.Now().Add(-d.cfg.PurgeDelay))
	if err != nil {
		d.metrics.RecordChangelogError("purge")
		d.logger.Error("changelog purge failed", logging.Error(err))
		return
	}
	if purged > 0 {
		timer.End(logging.Count(purged))
	}
}

var (
	_ MonitorSource = (*Domain)(nil)
	_ StatusDomain  = (*Domain)(nil)
	_ MonitoredRS   = (*ServerHandler)(nil)
)
