package replication

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/csn"
)

type pendingAck struct {
	info  ExpectedAcksInfo
	timer *time.Timer
}

// ackTracker holds the assured updates waiting for acks, each with its
// timeout timer.
type ackTracker struct {
	mu      sync.Mutex
	waiting map[csn.CSN]*pendingAck
}

func newAckTracker() *ackTracker {
	return &ackTracker{waiting: make(map[csn.CSN]*pendingAck)}
}

// add registers info and calls onTimeout once timeout elapses, unless the
// entry is removed first.
func (t *ackTracker) add(info ExpectedAcksInfo, timeout time.Duration, onTimeout func(ExpectedAcksInfo)) {
	entry := &pendingAck{info: info}

	t.mu.Lock()
	defer t.mu.Unlock()
	entry.timer = time.AfterFunc(timeout, func() {
		if t.remove(info.CSN()) != nil {
			onTimeout(info)
		}
	})
	t.waiting[info.CSN()] = entry
}

func (t *ackTracker) get(c csn.CSN) ExpectedAcksInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.waiting[c]; ok {
		return entry.info
	}
	return nil
}

// remove drops the entry of c and stops its timer.
func (t *ackTracker) remove(c csn.CSN) ExpectedAcksInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.waiting[c]
	if !ok {
		return nil
	}
	delete(t.waiting, c)
	entry.timer.Stop()
	return entry.info
}

func (t *ackTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}

// clear stops every timer.
func (t *ackTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c, entry := range t.waiting {
		entry.timer.Stop()
		delete(t.waiting, c)
	}
}
