package changelog

import (
	"bytes"
	"container/heap"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// replicaIterator walks the records of one replica.
type replicaIterator struct {
	it   iterator.Iterator
	head csn.CSN
}

// iteratorHeap orders replica iterators by the CSN they are positioned on.
type iteratorHeap []*replicaIterator

func (h iteratorHeap) Len() int           { return len(h) }
func (h iteratorHeap) Less(i, j int) bool { return h[i].head.IsOlderThan(h[j].head) }
func (h iteratorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *iteratorHeap) Push(x any)        { *h = append(*h, x.(*replicaIterator)) }
func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// mergeCursor merges per-replica iterators taken on one snapshot.
type mergeCursor struct {
	snapshot *leveldb.Snapshot
	pending  iteratorHeap
	all      []*replicaIterator
	current  *protocol.UpdateMsg
	err      error
	closed   bool
}

func newMergeCursor(snapshot *leveldb.Snapshot, baseDN string, replicas []int32, from *csn.ServerState) (*mergeCursor, error) {
	c := &mergeCursor{snapshot: snapshot}

	for _, id := range replicas {
		it := snapshot.NewIterator(util.BytesPrefix(replicaPrefix(baseDN, id)), nil)
		ri := &replicaIterator{it: it}
		c.all = append(c.all, ri)

		var start *csn.CSN
		if from != nil {
			start = from.CSN(id)
		}

		var ok bool
		if start == nil {
			ok = it.First()
		} else {
			startKey := recordKey(baseDN, *start)
			ok = it.Seek(startKey)
			if ok && bytes.Equal(it.Key(), startKey) {
				ok = it.Next()
			}
		}

		if err := it.Error(); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: position replica %d: %v", ErrChangelogAccess, id, err)
		}
		if ok && c.position(ri) {
			c.pending = append(c.pending, ri)
		}
		if c.err != nil {
			err := c.err
			c.Close()
			return nil, err
		}
	}
	heap.Init(&c.pending)
	return c, nil
}

// position reads the CSN the iterator is on.
func (c *mergeCursor) position(ri *replicaIterator) bool {
	_, head, err := parseKey(ri.it.Key())
	if err != nil {
		c.err = fmt.Errorf("%w: %v", ErrChangelogAccess, err)
		return false
	}
	ri.head = head
	return true
}

// Next advances to the oldest record not returned yet.
func (c *mergeCursor) Next() bool {
	if c.closed || c.err != nil || len(c.pending) == 0 {
		c.current = nil
		return false
	}

	ri := heap.Pop(&c.pending).(*replicaIterator)
	msg, err := decodeRecord(ri.it.Value())
	if err != nil {
		c.err = fmt.Errorf("%w: record %s: %v", ErrChangelogAccess, ri.head, err)
		c.current = nil
		return false
	}
	c.current = msg

	if ri.it.Next() {
		if c.position(ri) {
			heap.Push(&c.pending, ri)
		}
	} else if err := ri.it.Error(); err != nil {
		c.err = fmt.Errorf("%w: iterate: %v", ErrChangelogAccess, err)
	}
	return true
}

// Record returns the record Next positioned on.
func (c *mergeCursor) Record() *protocol.UpdateMsg {
	return c.current
}

// Err returns the first error met while iterating.
func (c *mergeCursor) Err() error {
	return c.err
}

// Close releases the iterators and the snapshot.
func (c *mergeCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ri := range c.all {
		ri.it.Release()
	}
	c.all = nil
	c.pending = nil
	c.snapshot.Release()
	return nil
}
