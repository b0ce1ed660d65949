package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/changelog"
	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// ChangelogReader is the part of the changelog a MessageHandler reads when
// its peer falls behind.
type ChangelogReader interface {
	LatestState(baseDN string) *csn.ServerState
	CursorFrom(baseDN string, state *csn.ServerState) (changelog.Cursor, error)
}

// MessageHandlerConfig configures a MessageHandler.
type MessageHandlerConfig struct {
	BaseDN     string
	PeerID     int32
	QueueSize  int
	QueueBytes int

	// InitialState is what the peer already has. A peer whose state covers
	// the changelog starts following.
	InitialState *csn.ServerState
}

// MessageHandler buffers the updates bound for one peer.
//
// While following, NextMessage serves the live queue filled by Add. When
// the live queue overflows the handler turns late and NextMessage replays
// the changelog from the peer's server state, in bounded batches, until it
// meets the live queue again.
type MessageHandler struct {
	baseDN     string
	peerID     int32
	queueSize  int
	queueBytes int
	db         ChangelogReader
	logger     logging.Logger
	metrics    *metrics.Registry

	mu          sync.Mutex
	msgQueue    *MsgQueue
	lateQueue   *MsgQueue
	following   bool
	serverState *csn.ServerState
	// sent is the newest CSN delivered per replica, replica-offline
	// markers included. serverState never moves for markers.
	sent *csn.ServerState

	wakeCh     chan struct{}
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewMessageHandler creates a handler for one peer.
func NewMessageHandler(cfg MessageHandlerConfig, db ChangelogReader, logger logging.Logger, reg *metrics.Registry) *MessageHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	state := csn.NewServerState()
	if cfg.InitialState != nil {
		state = cfg.InitialState.Duplicate()
	}

	defaults := DefaultConfig()
	h := &MessageHandler{
		baseDN:      cfg.BaseDN,
		peerID:      cfg.PeerID,
		queueSize:   cfg.QueueSize,
		queueBytes:  cfg.QueueBytes,
		db:          db,
		logger:      logger.With(logging.Component("message-handler"), logging.BaseDN(cfg.BaseDN), logging.PeerID(cfg.PeerID)),
		metrics:     reg,
		msgQueue:    NewMsgQueue(),
		lateQueue:   NewMsgQueue(),
		serverState: state,
		sent:        csn.NewServerState(),
		wakeCh:      make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
	}
	if h.queueSize <= 0 {
		h.queueSize = defaults.QueueSize
	}
	if h.queueBytes <= 0 {
		h.queueBytes = h.queueSize * 100
	}
	h.following = h.coversChangelog(state, db.LatestState(cfg.BaseDN))
	return h
}

// coversChangelog reports whether state holds every change of the
// changelog. Replica-offline markers past state do not count; they are
// marked as sent so a following peer never gets them replayed.
func (h *MessageHandler) coversChangelog(state, latest *csn.ServerState) bool {
	if covers(state, latest) {
		return true
	}
	pending, err := h.firstPendingChange(state)
	if err != nil {
		h.logger.Warn("cannot read changelog, peer starts late", logging.Error(err))
		return false
	}
	if pending != nil {
		return false
	}
	h.sent.UpdateState(latest)
	return true
}

func covers(state, latest *csn.ServerState) bool {
	for _, c := range latest.CSNs() {
		if !state.Cover(c) {
			return false
		}
	}
	return true
}

// positionLocked is where changelog replay resumes: the peer's state
// advanced past every marker already delivered.
func (h *MessageHandler) positionLocked() *csn.ServerState {
	pos := h.serverState.Duplicate()
	pos.UpdateState(h.sent)
	return pos
}

// Add queues update for the peer. When the live queue overflows, every
// update older than update is evicted and the handler turns late.
func (h *MessageHandler) Add(update *protocol.UpdateMsg) {
	h.mu.Lock()
	h.msgQueue.Add(update)

	evicted := 0
	becameLate := false
	if h.aboveThresholdLocked() {
		becameLate = h.following
		h.following = false
		for h.msgQueue.Count() > 1 && h.msgQueue.First().CSN.IsOlderThan(update.CSN) {
			h.msgQueue.RemoveFirst()
			evicted++
		}
		for h.msgQueue.Count() > 1 && h.aboveThresholdLocked() {
			h.msgQueue.RemoveFirst()
			evicted++
		}
	}
	size := h.msgQueue.Count()
	h.mu.Unlock()

	if evicted > 0 || becameLate {
		h.metrics.RecordEviction(h.baseDN, evicted, becameLate)
	}
	if becameLate {
		h.logger.Info("peer queue overflow, switching to changelog replay",
			logging.CSN(update.CSN), logging.Count(evicted))
	}
	h.metrics.SetQueueSize(h.baseDN, h.peerID, size)
	h.wake()
}

func (h *MessageHandler) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

func (h *MessageHandler) aboveThresholdLocked() bool {
	count := h.msgQueue.Count()
	if count > h.queueSize {
		return true
	}
	return count > MinQueueCountForBytes && h.msgQueue.Bytes() > h.queueBytes
}

func (h *MessageHandler) belowThresholdLocked() bool {
	count := h.msgQueue.Count()
	if count >= h.queueSize {
		return false
	}
	return count <= MinQueueCountForBytes || h.msgQueue.Bytes() < h.queueBytes
}

// NextMessage blocks until an update can be sent to the peer. It returns
// nil, nil once ctx is done or the handler is shut down. Changelog failures
// are returned wrapped in changelog.ErrChangelogAccess and leave the
// handler late, so the next call retries.
func (h *MessageHandler) NextMessage(ctx context.Context) (*protocol.UpdateMsg, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-h.shutdownCh:
			return nil, nil
		default:
		}

		var (
			msg   *protocol.UpdateMsg
			alive = true
			err   error
		)
		if h.IsFollowing() {
			msg, alive = h.nextFollowing(ctx)
		} else {
			msg, alive, err = h.nextLate(ctx)
		}
		if err != nil {
			return nil, err
		}
		if !alive {
			return nil, nil
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// wait blocks until Add signals, the wake interval elapses, ctx is done or
// the handler shuts down. It reports whether the caller should go on.
func (h *MessageHandler) wait(ctx context.Context) bool {
	timer := time.NewTimer(followingWakeInterval)
	defer timer.Stop()

	select {
	case <-h.wakeCh:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-h.shutdownCh:
		return false
	}
}

func (h *MessageHandler) nextFollowing(ctx context.Context) (*protocol.UpdateMsg, bool) {
	h.mu.Lock()
	if !h.following {
		h.mu.Unlock()
		return nil, true
	}
	if h.msgQueue.IsEmpty() {
		h.mu.Unlock()
		return nil, h.wait(ctx)
	}

	msg := h.msgQueue.RemoveFirst()
	delivered := h.updateServerStateLocked(msg)
	size := h.msgQueue.Count()
	h.mu.Unlock()

	h.metrics.SetQueueSize(h.baseDN, h.peerID, size)
	if !delivered {
		return nil, true
	}
	return msg, true
}

func (h *MessageHandler) nextLate(ctx context.Context) (*protocol.UpdateMsg, bool, error) {
	h.mu.Lock()
	if h.lateQueue.IsEmpty() {
		state := h.positionLocked()
		h.mu.Unlock()

		batch, err := h.readChangelog(state)
		if err != nil {
			h.metrics.RecordChangelogError("cursor")
			h.logger.Warn("changelog replay failed, peer stays late", logging.Error(err))
			return nil, true, err
		}

		h.mu.Lock()
		for _, m := range batch {
			h.lateQueue.Add(m)
		}
		if h.lateQueue.IsEmpty() {
			if !h.belowThresholdLocked() {
				h.dropCoveredLocked()
			}
			if h.belowThresholdLocked() {
				h.following = true
				h.mu.Unlock()
				h.logger.Info("peer caught up with changelog, following live updates")
				return nil, true, nil
			}
			h.mu.Unlock()
			return nil, h.wait(ctx), nil
		}
		h.metrics.RecordLateQueueFill(h.baseDN)
	}

	head := h.lateQueue.First()
	if h.msgQueue.Contains(head) {
		h.following = true
		h.lateQueue.Clear()
		h.msgQueue.ConsumeUpTo(head)
		delivered := h.updateServerStateLocked(head)
		size := h.msgQueue.Count()
		h.mu.Unlock()

		h.metrics.SetQueueSize(h.baseDN, h.peerID, size)
		h.logger.Info("peer replay reached live queue, following live updates", logging.CSN(head.CSN))
		if !delivered {
			return nil, true, nil
		}
		return head, true, nil
	}

	h.lateQueue.RemoveFirst()
	delivered := h.updateServerStateLocked(head)
	h.mu.Unlock()
	if !delivered {
		return nil, true, nil
	}
	return head, true, nil
}

// readChangelog reads the next late queue batch after state.
func (h *MessageHandler) readChangelog(state *csn.ServerState) (batch []*protocol.UpdateMsg, err error) {
	cursor, err := h.db.CursorFrom(h.baseDN, state)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cursor.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	bytes := 0
	for len(batch) < lateQueueMaxCount && bytes < lateQueueMaxBytes && cursor.Next() {
		msg := cursor.Record()
		batch = append(batch, msg)
		bytes += msg.Size()
	}
	if err := cursor.Err(); err != nil {
		if !errors.Is(err, changelog.ErrChangelogAccess) {
			err = errors.Join(changelog.ErrChangelogAccess, err)
		}
		return nil, err
	}
	return batch, nil
}

// dropCoveredLocked removes live updates the peer already has.
func (h *MessageHandler) dropCoveredLocked() {
	pos := h.positionLocked()
	kept := NewMsgQueue()
	for !h.msgQueue.IsEmpty() {
		msg := h.msgQueue.RemoveFirst()
		if !pos.Cover(msg.CSN) {
			kept.Add(msg)
		}
	}
	h.msgQueue = kept
}

// updateServerStateLocked records msg as delivered and reports whether it
// still has to be sent.
func (h *MessageHandler) updateServerStateLocked(msg *protocol.UpdateMsg) bool {
	var deliver bool
	if msg.ContributesToDomainState() {
		deliver = h.serverState.Update(msg.CSN)
	} else {
		deliver = !h.serverState.Cover(msg.CSN) && !h.sent.Cover(msg.CSN)
	}
	if deliver {
		h.sent.Update(msg.CSN)
	}
	return deliver
}

// UpdateServerState records an update received from the peer itself.
func (h *MessageHandler) UpdateServerState(msg *protocol.UpdateMsg) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateServerStateLocked(msg)
}

// OlderUpdateCSN returns the CSN of the oldest update not yet sent, or nil
// when the peer is up to date.
func (h *MessageHandler) OlderUpdateCSN() *csn.CSN {
	h.mu.Lock()
	if h.following {
		defer h.mu.Unlock()
		if first := h.msgQueue.First(); first != nil {
			c := first.CSN
			return &c
		}
		return nil
	}
	if first := h.lateQueue.First(); first != nil {
		c := first.CSN
		h.mu.Unlock()
		return &c
	}
	state := h.positionLocked()
	h.mu.Unlock()

	c, err := h.firstPendingChange(state)
	if err != nil {
		h.logger.Warn("cannot read oldest pending change", logging.Error(err))
		return nil
	}
	return c
}

func (h *MessageHandler) firstPendingChange(state *csn.ServerState) (*csn.CSN, error) {
	cursor, err := h.db.CursorFrom(h.baseDN, state)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	for cursor.Next() {
		if msg := cursor.Record(); msg.ContributesToDomainState() {
			c := msg.CSN
			return &c, nil
		}
	}
	return nil, cursor.Err()
}

// ApproxFirstMissingDate returns the time in milliseconds of the oldest
// update the peer is missing, or 0.
func (h *MessageHandler) ApproxFirstMissingDate() int64 {
	if c := h.OlderUpdateCSN(); c != nil {
		return c.Time
	}
	return 0
}

// RcvQueueSize returns the number of updates the peer still has to receive.
func (h *MessageHandler) RcvQueueSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.following {
		return int64(h.msgQueue.Count())
	}
	return csn.DiffChanges(h.db.LatestState(h.baseDN), h.positionLocked())
}

// IsFollowing reports whether the handler serves the live queue.
func (h *MessageHandler) IsFollowing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.following
}

// ServerState returns a copy of what the peer is known to have.
func (h *MessageHandler) ServerState() *csn.ServerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverState.Duplicate()
}

// Shutdown releases a blocked NextMessage and drops queued updates.
func (h *MessageHandler) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.shutdownCh)
		h.mu.Lock()
		h.msgQueue.Clear()
		h.lateQueue.Clear()
		h.mu.Unlock()
		h.metrics.RemovePeer(h.baseDN, h.peerID)
	})
}
