package replication

import (
	"slices"
	"sync"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// ExpectedAcksInfo tracks the acknowledgements of one assured update.
type ExpectedAcksInfo interface {
	CSN() csn.CSN
	RequesterID() int32
	Mode() protocol.AssuredMode

	// ExpectedServers lists the servers asked to acknowledge the update.
	ExpectedServers() []int32

	// ProcessReceivedAck records the ack of serverID and reports whether
	// every expected ack has now arrived.
	ProcessReceivedAck(serverID int32, ack *protocol.AckMsg) bool

	// CreateAck builds the ack returned to the requester. With timeout set,
	// the servers that did not answer are reported as failed.
	CreateAck(timeout bool) *protocol.AckMsg

	// MarkCompleted returns true for the first caller only.
	MarkCompleted() bool
}

// expectedAcks holds what both assured modes share.
type expectedAcks struct {
	csn         csn.CSN
	requesterID int32
	logger      logging.Logger

	mu        sync.Mutex
	acked     map[int32]bool
	completed bool
}

func (e *expectedAcks) init(c csn.CSN, requesterID int32, expected []int32, logger logging.Logger) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e.csn = c
	e.requesterID = requesterID
	e.logger = logger
	e.acked = make(map[int32]bool, len(expected))
	for _, id := range expected {
		e.acked[id] = false
	}
}

func (e *expectedAcks) CSN() csn.CSN       { return e.csn }
func (e *expectedAcks) RequesterID() int32 { return e.requesterID }

func (e *expectedAcks) MarkCompleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return false
	}
	e.completed = true
	return true
}

// ExpectedServers returns the servers an ack is expected from.
func (e *expectedAcks) ExpectedServers() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int32, 0, len(e.acked))
	for id := range e.acked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// acceptLocked marks serverID as acked when its ack is expected and new.
func (e *expectedAcks) acceptLocked(serverID int32) bool {
	if e.completed {
		return false
	}
	done, ok := e.acked[serverID]
	if !ok {
		e.logger.Warn("ignoring ack from unexpected server",
			logging.CSN(e.csn), logging.PeerID(serverID), logging.ServerID(e.requesterID))
		return false
	}
	if done {
		e.logger.Warn("ignoring duplicate ack",
			logging.CSN(e.csn), logging.PeerID(serverID), logging.ServerID(e.requesterID))
		return false
	}
	e.acked[serverID] = true
	return true
}

func (e *expectedAcks) ackedCountLocked() int {
	n := 0
	for _, done := range e.acked {
		if done {
			n++
		}
	}
	return n
}

func (e *expectedAcks) pendingLocked() []int32 {
	var ids []int32
	for id, done := range e.acked {
		if !done {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// SafeReadExpectedAcksInfo aggregates the acks of a safe read update. Every
// eligible server must replay the update; servers already in a wrong status
// are reported as failed from the start.
type SafeReadExpectedAcksInfo struct {
	expectedAcks

	hasTimeout       bool
	hasWrongStatus   bool
	hasReplayError   bool
	failedServers    []int32
	serversInTimeout []int32
}

// NewSafeReadExpectedAcksInfo creates the ack state of a safe read update
// sent to expected. wrongStatus lists eligible servers skipped because of
// their status.
func NewSafeReadExpectedAcksInfo(c csn.CSN, requesterID int32, expected, wrongStatus []int32, logger logging.Logger) *SafeReadExpectedAcksInfo {
	info := &SafeReadExpectedAcksInfo{}
	info.init(c, requesterID, expected, logger)
	if len(wrongStatus) > 0 {
		info.hasWrongStatus = true
		info.failedServers = slices.Clone(wrongStatus)
	}
	return info
}

func (i *SafeReadExpectedAcksInfo) Mode() protocol.AssuredMode { return protocol.SafeReadMode }

func (i *SafeReadExpectedAcksInfo) ProcessReceivedAck(serverID int32, ack *protocol.AckMsg) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.acceptLocked(serverID) {
		return false
	}
	if ack.HasTimeout {
		i.hasTimeout = true
	}
	if ack.HasWrongStatus {
		i.hasWrongStatus = true
	}
	if ack.HasReplayError {
		i.hasReplayError = true
	}
	i.failedServers = append(i.failedServers, ack.FailedServers...)

	return i.ackedCountLocked() == len(i.acked)
}

func (i *SafeReadExpectedAcksInfo) CreateAck(timeout bool) *protocol.AckMsg {
	i.mu.Lock()
	defer i.mu.Unlock()

	ack := &protocol.AckMsg{
		CSN:            i.csn,
		HasTimeout:     i.hasTimeout,
		HasWrongStatus: i.hasWrongStatus,
		HasReplayError: i.hasReplayError,
		FailedServers:  slices.Clone(i.failedServers),
	}
	if timeout {
		i.serversInTimeout = i.pendingLocked()
		if len(i.serversInTimeout) > 0 {
			ack.HasTimeout = true
			ack.FailedServers = append(ack.FailedServers, i.serversInTimeout...)
		}
	}
	return ack
}

// TimeoutServers returns the servers that had not acked when the update
// timed out.
func (i *SafeReadExpectedAcksInfo) TimeoutServers() []int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.serversInTimeout)
}

// SafeDataExpectedAcksInfo aggregates the acks of a safe data update: the
// update is safe once enough replication servers stored it.
type SafeDataExpectedAcksInfo struct {
	expectedAcks

	needed int
}

// NewSafeDataExpectedAcksInfo creates the ack state of a safe data update.
// The local server counts as the first of safeDataLevel copies, so
// safeDataLevel-1 acks are needed, capped to the number of expected servers.
func NewSafeDataExpectedAcksInfo(c csn.CSN, requesterID int32, safeDataLevel uint8, expected []int32, logger logging.Logger) *SafeDataExpectedAcksInfo {
	needed := int(safeDataLevel) - 1
	if needed > len(expected) {
		needed = len(expected)
	}
	info := &SafeDataExpectedAcksInfo{needed: max(needed, 0)}
	info.init(c, requesterID, expected, logger)
	return info
}

func (i *SafeDataExpectedAcksInfo) Mode() protocol.AssuredMode { return protocol.SafeDataMode }

func (i *SafeDataExpectedAcksInfo) ProcessReceivedAck(serverID int32, _ *protocol.AckMsg) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.acceptLocked(serverID) {
		return false
	}
	return i.ackedCountLocked() >= i.needed
}

func (i *SafeDataExpectedAcksInfo) CreateAck(timeout bool) *protocol.AckMsg {
	i.mu.Lock()
	defer i.mu.Unlock()

	ack := &protocol.AckMsg{CSN: i.csn}
	if timeout {
		if pending := i.pendingLocked(); len(pending) > 0 {
			ack.HasTimeout = true
			ack.FailedServers = pending
		}
	}
	return ack
}

var (
	_ ExpectedAcksInfo = (*SafeReadExpectedAcksInfo)(nil)
	_ ExpectedAcksInfo = (*SafeDataExpectedAcksInfo)(nil)
)
