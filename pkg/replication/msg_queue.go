package replication

import (
	"container/list"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// MsgQueue holds updates ordered by CSN with constant time membership.
// It is not synchronized; the owning MessageHandler guards it.
type MsgQueue struct {
	order *list.List
	index map[csn.CSN]*list.Element
	bytes int
}

// NewMsgQueue creates an empty queue.
func NewMsgQueue() *MsgQueue {
	return &MsgQueue{
		order: list.New(),
		index: make(map[csn.CSN]*list.Element),
	}
}

// Add inserts msg at its CSN position. An update already queued under the
// same CSN is replaced.
func (q *MsgQueue) Add(msg *protocol.UpdateMsg) {
	if e, ok := q.index[msg.CSN]; ok {
		old := e.Value.(*protocol.UpdateMsg)
		q.bytes += msg.Size() - old.Size()
		e.Value = msg
		return
	}

	// Updates mostly arrive in CSN order, so search from the back.
	var at *list.Element
	for e := q.order.Back(); e != nil; e = e.Prev() {
		if e.Value.(*protocol.UpdateMsg).CSN.IsOlderThan(msg.CSN) {
			at = e
			break
		}
	}

	var e *list.Element
	if at == nil {
		e = q.order.PushFront(msg)
	} else {
		e = q.order.InsertAfter(msg, at)
	}
	q.index[msg.CSN] = e
	q.bytes += msg.Size()
}

// First returns the oldest update, or nil.
func (q *MsgQueue) First() *protocol.UpdateMsg {
	if e := q.order.Front(); e != nil {
		return e.Value.(*protocol.UpdateMsg)
	}
	return nil
}

// Last returns the newest update, or nil.
func (q *MsgQueue) Last() *protocol.UpdateMsg {
	if e := q.order.Back(); e != nil {
		return e.Value.(*protocol.UpdateMsg)
	}
	return nil
}

// RemoveFirst removes and returns the oldest update, or nil.
func (q *MsgQueue) RemoveFirst() *protocol.UpdateMsg {
	e := q.order.Front()
	if e == nil {
		return nil
	}
	msg := q.order.Remove(e).(*protocol.UpdateMsg)
	delete(q.index, msg.CSN)
	q.bytes -= msg.Size()
	return msg
}

// Contains reports whether an update with msg's CSN is queued.
func (q *MsgQueue) Contains(msg *protocol.UpdateMsg) bool {
	_, ok := q.index[msg.CSN]
	return ok
}

// ConsumeUpTo removes every update up to and including the one with msg's
// CSN and returns how many were removed.
func (q *MsgQueue) ConsumeUpTo(msg *protocol.UpdateMsg) int {
	removed := 0
	for !q.IsEmpty() {
		head := q.RemoveFirst()
		removed++
		if !head.CSN.IsOlderThan(msg.CSN) {
			break
		}
	}
	return removed
}

// Clear removes everything.
func (q *MsgQueue) Clear() {
	q.order.Init()
	clear(q.index)
	q.bytes = 0
}

// Count returns the number of queued updates.
func (q *MsgQueue) Count() int {
	return q.order.Len()
}

// Bytes returns the accounted size of the queued updates.
func (q *MsgQueue) Bytes() int {
	return q.bytes
}

// IsEmpty reports whether the queue holds nothing.
func (q *MsgQueue) IsEmpty() bool {
	return q.order.Len() == 0
}
