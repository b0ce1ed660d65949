package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/dd0wney/cluso-replication/pkg/changelog"
	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

const testBaseDN = "dc=example,dc=com"

func newTestChangelog(t *testing.T) *changelog.DB {
	t.Helper()
	db, err := changelog.OpenStorage(storage.NewMemStorage(), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func publish(t *testing.T, db *changelog.DB, msgs ...*protocol.UpdateMsg) {
	t.Helper()
	for _, m := range msgs {
		stored, err := db.Publish(testBaseDN, m)
		require.NoError(t, err)
		require.True(t, stored, "duplicate %s", m.CSN)
	}
}

func nextWithin(t *testing.T, h *MessageHandler, d time.Duration) *protocol.UpdateMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := h.NextMessage(ctx)
	require.NoError(t, err)
	return msg
}

func queuedCount(h *MessageHandler) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msgQueue.Count()
}

func TestMessageHandlerOverflowCatchUp(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 2}, db, nil, nil)
	require.True(t, h.IsFollowing(), "peer of an empty changelog starts following")

	c1, c2, c3 := update(1000, 1, 1), update(1000, 2, 1), update(1001, 3, 1)

	publish(t, db, c1)
	h.Add(c1)
	publish(t, db, c2)
	h.Add(c2)
	assert.True(t, h.IsFollowing())
	assert.Equal(t, 2, queuedCount(h))

	publish(t, db, c3)
	h.Add(c3)
	assert.False(t, h.IsFollowing(), "overflow must switch to late")
	require.Equal(t, 1, queuedCount(h))
	h.mu.Lock()
	assert.Same(t, c3, h.msgQueue.First())
	h.mu.Unlock()

	got := []csn.CSN{}
	for i := 0; i < 3; i++ {
		msg := nextWithin(t, h, time.Second)
		require.NotNil(t, msg)
		got = append(got, msg.CSN)
	}
	assert.Equal(t, []csn.CSN{c1.CSN, c2.CSN, c3.CSN}, got)
	assert.True(t, h.IsFollowing(), "replay converged on the live queue")
	assert.Zero(t, queuedCount(h))
	assert.Zero(t, h.RcvQueueSize())

	assert.Nil(t, nextWithin(t, h, 50*time.Millisecond), "nothing is delivered twice")
	assert.True(t, h.ServerState().Cover(c3.CSN))
}

func TestMessageHandlerSuppressesCoveredUpdates(t *testing.T) {
	db := newTestChangelog(t)
	state := csn.NewServerStateFrom(csn.New(1000, 2, 1))
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10, InitialState: state}, db, nil, nil)
	require.True(t, h.IsFollowing())

	h.Add(update(1000, 1, 1))
	h.Add(update(1000, 2, 1))
	h.Add(update(1000, 3, 1))

	msg := nextWithin(t, h, time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, csn.New(1000, 3, 1), msg.CSN)
	assert.Nil(t, nextWithin(t, h, 50*time.Millisecond))
}

func TestMessageHandlerReplicaOfflineMarker(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)

	marker := update(1000, 1, 1)
	marker.ReplicaOffline = true
	h.Add(marker)

	msg := nextWithin(t, h, time.Second)
	require.NotNil(t, msg)
	assert.True(t, msg.ReplicaOffline)
	assert.Nil(t, h.ServerState().CSN(1), "markers do not advance the peer state")
}

func TestMessageHandlerByteThresholdNeedsMinimumCount(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 100, QueueBytes: 500}, db, nil, nil)

	big := func(seq uint32) *protocol.UpdateMsg {
		m := update(1000, seq, 1)
		m.Payload = make([]byte, 100)
		return m
	}

	for seq := uint32(1); seq <= MinQueueCountForBytes; seq++ {
		h.Add(big(seq))
	}
	assert.True(t, h.IsFollowing(), "bytes are ignored while the queue is small")
	assert.Equal(t, MinQueueCountForBytes, queuedCount(h))

	h.Add(big(MinQueueCountForBytes + 1))
	assert.False(t, h.IsFollowing())
	assert.Equal(t, 1, queuedCount(h))
}

func TestMessageHandlerWakesOnAdd(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)

	result := make(chan *protocol.UpdateMsg, 1)
	go func() {
		msg, _ := h.NextMessage(context.Background())
		result <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	c1 := update(1000, 1, 1)
	h.Add(c1)

	select {
	case msg := <-result:
		assert.Same(t, c1, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("NextMessage did not return after Add")
	}
}

func TestMessageHandlerShutdownReleasesWaiter(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)

	done := make(chan error, 1)
	go func() {
		msg, err := h.NextMessage(context.Background())
		if msg != nil {
			err = errors.New("unexpected message")
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Shutdown()
	h.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("NextMessage still blocked after Shutdown")
	}
}

func TestMessageHandlerLateDerivedValues(t *testing.T) {
	db := newTestChangelog(t)
	marker := update(1000, 1, 1)
	marker.ReplicaOffline = true
	c2 := update(2000, 2, 1)
	publish(t, db, marker, c2)

	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)
	require.False(t, h.IsFollowing(), "peer behind the changelog starts late")

	older := h.OlderUpdateCSN()
	require.NotNil(t, older)
	assert.Equal(t, c2.CSN, *older, "markers are skipped")
	assert.Equal(t, int64(2000), h.ApproxFirstMissingDate())
	assert.Equal(t, int64(2), h.RcvQueueSize())
}

func TestMessageHandlerFollowingDerivedValues(t *testing.T) {
	db := newTestChangelog(t)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)

	assert.Nil(t, h.OlderUpdateCSN())
	assert.Zero(t, h.ApproxFirstMissingDate())

	h.Add(update(3000, 1, 1))
	h.Add(update(4000, 2, 1))
	assert.Equal(t, int64(3000), h.ApproxFirstMissingDate())
	assert.Equal(t, int64(2), h.RcvQueueSize())
}

type failingChangelog struct {
	latest *csn.ServerState
}

func (f *failingChangelog) LatestState(string) *csn.ServerState { return f.latest.Duplicate() }

func (f *failingChangelog) CursorFrom(string, *csn.ServerState) (changelog.Cursor, error) {
	return nil, changelog.ErrChangelogAccess
}

func TestMessageHandlerChangelogFailureStaysLate(t *testing.T) {
	db := &failingChangelog{latest: csn.NewServerStateFrom(csn.New(1000, 5, 1))}
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)
	require.False(t, h.IsFollowing())

	msg, err := h.NextMessage(context.Background())
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, changelog.ErrChangelogAccess)
	assert.False(t, h.IsFollowing())

	assert.Nil(t, h.OlderUpdateCSN())
	assert.Equal(t, int64(5), h.RcvQueueSize())
}

func TestMessageHandlerReplaysMarkerOnce(t *testing.T) {
	db := newTestChangelog(t)
	c1 := update(1000, 1, 1)
	marker := update(1000, 2, 1)
	marker.ReplicaOffline = true
	publish(t, db, c1, marker)

	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10}, db, nil, nil)
	require.False(t, h.IsFollowing())

	msg := nextWithin(t, h, time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, c1.CSN, msg.CSN)
	msg = nextWithin(t, h, time.Second)
	require.NotNil(t, msg)
	assert.True(t, msg.ReplicaOffline)

	assert.Nil(t, nextWithin(t, h, 50*time.Millisecond), "the marker is not replayed again")
	assert.True(t, h.IsFollowing())
	assert.Zero(t, h.RcvQueueSize())
	assert.Nil(t, h.OlderUpdateCSN())
	assert.Equal(t, c1.CSN, *h.ServerState().CSN(1))

	h.Add(marker)
	assert.Nil(t, nextWithin(t, h, 50*time.Millisecond), "a delivered marker is not sent twice")
}

func TestMessageHandlerTrailingMarkerStartsFollowing(t *testing.T) {
	db := newTestChangelog(t)
	c1 := update(1000, 1, 1)
	marker := update(1000, 2, 1)
	marker.ReplicaOffline = true
	publish(t, db, c1, marker)

	state := csn.NewServerStateFrom(c1.CSN)
	h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 2, QueueSize: 10, InitialState: state}, db, nil, nil)
	require.True(t, h.IsFollowing(), "a marker alone does not make the peer late")
	assert.Zero(t, h.RcvQueueSize())
	assert.Nil(t, nextWithin(t, h, 50*time.Millisecond))

	c3 := update(1001, 3, 1)
	publish(t, db, c3)
	h.Add(c3)
	msg := nextWithin(t, h, time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, c3.CSN, msg.CSN)
}

func TestMessageHandlerMergesReplicasInCSNOrder(t *testing.T) {
	adds := []*protocol.UpdateMsg{
		update(1001, 1, 1),
		update(1000, 1, 3),
		update(1002, 1, 2),
		update(1004, 2, 1),
		update(1003, 2, 3),
		update(1005, 2, 2),
		update(1006, 3, 3),
		update(1007, 3, 1),
	}

	collect := func(t *testing.T, h *MessageHandler) []csn.CSN {
		t.Helper()
		var got []csn.CSN
		for range adds {
			msg := nextWithin(t, h, time.Second)
			require.NotNil(t, msg)
			got = append(got, msg.CSN)
		}
		assert.Nil(t, nextWithin(t, h, 50*time.Millisecond))
		return got
	}
	assertOrdered := func(t *testing.T, got []csn.CSN) {
		t.Helper()
		require.Len(t, got, len(adds))
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].IsOlderThan(got[i-1]), "%s delivered after %s", got[i], got[i-1])
		}
	}

	t.Run("live queue", func(t *testing.T) {
		db := newTestChangelog(t)
		h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 9, QueueSize: 100}, db, nil, nil)
		for _, m := range adds {
			h.Add(m)
		}
		assertOrdered(t, collect(t, h))
	})

	t.Run("changelog replay", func(t *testing.T) {
		db := newTestChangelog(t)
		publish(t, db, adds...)
		h := NewMessageHandler(MessageHandlerConfig{BaseDN: testBaseDN, PeerID: 9, QueueSize: 100}, db, nil, nil)
		require.False(t, h.IsFollowing())
		assertOrdered(t, collect(t, h))
	})
}
