package replication

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/changelog"
	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// changelogRetryDelay is the pause before retrying a failed changelog read.
const changelogRetryDelay = time.Second

// PeerKind tells data servers from replication servers
type PeerKind uint8

const (
	KindDS PeerKind = iota + 1
	KindRS
)

// String returns a short kind name
func (k PeerKind) String() string {
	switch k {
	case KindDS:
		return "ds"
	case KindRS:
		return "rs"
	default:
		return "unknown"
	}
}

// PeerInfo describes a peer when it joins a domain
type PeerInfo struct {
	ServerID     int32    `yaml:"server_id" validate:"gt=0"`
	Kind         PeerKind `yaml:"kind" validate:"oneof=1 2"`
	GroupID      uint8    `yaml:"group_id"`
	GenerationID int64    `yaml:"generation_id"`
	ServerURL    string   `yaml:"server_url"`
	Weight       int      `yaml:"weight" validate:"gte=0"`

	// Data servers only
	Status        protocol.ServerStatus `yaml:"-"`
	AssuredFlag   bool                  `yaml:"assured"`
	AssuredMode   protocol.AssuredMode  `yaml:"assured_mode"`
	SafeDataLevel uint8                 `yaml:"safe_data_level"`

	// State is what the peer already has.
	State *csn.ServerState `yaml:"-"`
}

// ServerHandler is a peer connected to a domain. Its writer goroutine sends
// the updates queued in its MessageHandler; its reader goroutine hands
// every received message to the domain.
type ServerHandler struct {
	info    PeerInfo
	domain  *Domain
	session Session
	queue   *MessageHandler
	logger  logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	status    protocol.ServerStatus
	remoteDSs []protocol.DSInfo
	lastSeen  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newServerHandler(d *Domain, info PeerInfo, session Session) *ServerHandler {
	status := info.Status
	if info.Kind == KindDS && status == protocol.StatusInvalid {
		status = protocol.StatusNormal
	}
	logger := d.logger.With(logging.PeerID(info.ServerID), logging.String("peer_kind", info.Kind.String()))

	return &ServerHandler{
		info:    info,
		domain:  d,
		session: session,
		queue: NewMessageHandler(MessageHandlerConfig{
			BaseDN:       d.baseDN,
			PeerID:       info.ServerID,
			QueueSize:    d.cfg.QueueSize,
			QueueBytes:   d.cfg.QueueBytes,
			InitialState: info.State,
		}, d.db, logger, d.metrics),
		logger:   logger,
		metrics:  d.metrics,
		status:   status,
		lastSeen: time.Now(),
		stopCh:   make(chan struct{}),
	}
}

func (h *ServerHandler) ServerID() int32     { return h.info.ServerID }
func (h *ServerHandler) Kind() PeerKind      { return h.info.Kind }
func (h *ServerHandler) IsDataServer() bool  { return h.info.Kind == KindDS }
func (h *ServerHandler) GroupID() uint8      { return h.info.GroupID }
func (h *ServerHandler) GenerationID() int64 { return h.info.GenerationID }

// Status returns the status of a data server.
func (h *ServerHandler) Status() protocol.ServerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// ServerState returns what the peer is known to have.
func (h *ServerHandler) ServerState() *csn.ServerState {
	return h.queue.ServerState()
}

// ApproxFirstMissingDate returns the date of the oldest update the peer
// has not received, or 0.
func (h *ServerHandler) ApproxFirstMissingDate() int64 {
	return h.queue.ApproxFirstMissingDate()
}

// RcvQueueSize returns how many updates the peer still has to receive.
func (h *ServerHandler) RcvQueueSize() int64 {
	return h.queue.RcvQueueSize()
}

// LastSeen returns when the peer last sent anything.
func (h *ServerHandler) LastSeen() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSeen
}

func (h *ServerHandler) touch() {
	h.mu.Lock()
	h.lastSeen = time.Now()
	h.mu.Unlock()
}

// Send writes msg to the peer.
func (h *ServerHandler) Send(msg protocol.Msg) error {
	if err := h.session.Send(msg); err != nil {
		h.metrics.RecordSendFailure(h.domain.baseDN, msg.Type().String())
		return err
	}
	return nil
}

func (h *ServerHandler) add(update *protocol.UpdateMsg) {
	h.queue.Add(update)
}

// DSInfo describes the data server for topology messages.
func (h *ServerHandler) DSInfo() protocol.DSInfo {
	return protocol.DSInfo{
		ServerID:      h.info.ServerID,
		RSID:          h.domain.cfg.ServerID,
		GenerationID:  h.info.GenerationID,
		Status:        h.Status(),
		GroupID:       h.info.GroupID,
		AssuredFlag:   h.info.AssuredFlag,
		AssuredMode:   h.info.AssuredMode,
		SafeDataLevel: h.info.SafeDataLevel,
	}
}

// RSInfo describes the replication server for topology messages.
func (h *ServerHandler) RSInfo() protocol.RSInfo {
	return protocol.RSInfo{
		ServerID:     h.info.ServerID,
		GenerationID: h.info.GenerationID,
		GroupID:      h.info.GroupID,
		Weight:       h.info.Weight,
		ServerURL:    h.info.ServerURL,
	}
}

// setRemoteTopology records the data servers a replication server reported.
func (h *ServerHandler) setRemoteTopology(dss []protocol.DSInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteDSs = slices.Clone(dss)
}

// RemoteDSs returns the data servers connected to a replication server peer.
func (h *ServerHandler) RemoteDSs() []protocol.DSInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.remoteDSs)
}

func (h *ServerHandler) remoteDSIDs() []int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int32, 0, len(h.remoteDSs))
	for _, ds := range h.remoteDSs {
		ids = append(ids, ds.ServerID)
	}
	return ids
}

// changeStatus applies event and announces the new status to the data
// server. It reports whether the status changed.
func (h *ServerHandler) changeStatus(event protocol.StatusEvent) (protocol.ServerStatus, bool, error) {
	h.mu.Lock()
	old := h.status
	next, err := protocol.ComputeNewStatus(old, event)
	if err != nil || next == old {
		h.mu.Unlock()
		return old, false, err
	}
	h.status = next
	h.mu.Unlock()

	if err := h.Send(&protocol.ChangeStatusMsg{NewStatus: next}); err != nil {
		h.logger.Warn("failed to announce status change", logging.String("status", next.String()), logging.Error(err))
	}
	return next, true, nil
}

// applyPeerStatus records a status the data server switched to by itself.
func (h *ServerHandler) applyPeerStatus(status protocol.ServerStatus) (bool, error) {
	event, ok := protocol.EventForStatus(status)
	if !ok {
		return false, fmt.Errorf("%w: %s", protocol.ErrInvalidStatusEvent, status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	next, err := protocol.ComputeNewStatus(h.status, event)
	if err != nil {
		return false, err
	}
	changed := next != h.status
	h.status = next
	return changed, nil
}

// start launches the reader and writer goroutines.
func (h *ServerHandler) start(ctx context.Context) {
	h.wg.Add(2)
	go h.writeLoop(ctx)
	go h.readLoop()
}

// stop closes the session and waits for both goroutines. It must not be
// called from them.
func (h *ServerHandler) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.queue.Shutdown()
		if err := h.session.Close(); err != nil {
			h.logger.Debug("session close failed", logging.Error(err))
		}
	})
	h.wg.Wait()
}

func (h *ServerHandler) stopping() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

func (h *ServerHandler) writeLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		msg, err := h.queue.NextMessage(ctx)
		if err != nil {
			if !errors.Is(err, changelog.ErrChangelogAccess) {
				h.logger.Warn("unexpected error reading next update", logging.Error(err))
			}
			select {
			case <-time.After(changelogRetryDelay):
				continue
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		if msg == nil {
			return
		}

		if err := h.Send(msg); err != nil {
			if errors.Is(err, ErrSessionClosed) || h.stopping() {
				return
			}
			h.logger.Warn("failed to send update", logging.CSN(msg.CSN), logging.Error(err))
			continue
		}
		h.metrics.RecordUpdateSent(h.domain.baseDN, h.info.Kind.String())
	}
}

func (h *ServerHandler) readLoop() {
	defer h.wg.Done()

	for {
		msg, err := h.session.Receive()
		if err != nil {
			if h.stopping() {
				return
			}
			if isProtocolViolation(err) {
				h.logger.Warn("discarding undecodable message", logging.Error(err))
				continue
			}
			h.logger.Warn("peer connection lost", logging.Error(err))
			h.domain.unregisterAsync(h.info.ServerID)
			return
		}
		h.touch()
		h.dispatch(msg)
	}
}

// dispatch hands msg to the domain, recovering from a panic so one bad
// message does not kill the connection.
func (h *ServerHandler) dispatch(msg protocol.Msg) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic handling peer message",
				logging.String("type", msg.Type().String()),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
		}
	}()
	h.domain.Receive(h, msg)
}
