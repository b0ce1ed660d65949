package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

const localRSID int32 = 100

// testPeer is the remote end of a peer connection.
type testPeer struct {
	session Session
	msgs    chan protocol.Msg
}

func (p *testPeer) pump() {
	for {
		msg, err := p.session.Receive()
		if err != nil {
			if isProtocolViolation(err) {
				continue
			}
			close(p.msgs)
			return
		}
		p.msgs <- msg
	}
}

func (p *testPeer) send(t *testing.T, msg protocol.Msg) {
	t.Helper()
	require.NoError(t, p.session.Send(msg))
}

// expect returns the next message of type T, skipping other messages.
func expect[T protocol.Msg](t *testing.T, p *testPeer) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-p.msgs:
			require.True(t, ok, "peer connection closed")
			if m, match := msg.(T); match {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

// expectNoUpdate fails if an update arrives within d.
func expectNoUpdate(t *testing.T, p *testPeer, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-p.msgs:
			if !ok {
				return
			}
			if u, isUpdate := msg.(*protocol.UpdateMsg); isUpdate {
				t.Fatalf("unexpected update %s", u.CSN)
			}
		case <-deadline:
			return
		}
	}
}

func domainConfig() Config {
	cfg := DefaultConfig()
	cfg.ServerID = localRSID
	cfg.GenerationID = 7
	cfg.StatusAnalyzerInterval = 20 * time.Millisecond
	cfg.MonitoringPublisherPeriod = time.Hour
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

func newTestDomain(t *testing.T, cfg Config) *Domain {
	t.Helper()
	d, err := NewDomain(testBaseDN, cfg, newTestChangelog(t), nil, nil)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func connect(t *testing.T, d *Domain, info PeerInfo) *testPeer {
	t.Helper()
	local, remote := newPipeSessions()
	if info.GroupID == 0 {
		info.GroupID = 1
	}
	_, err := d.Register(context.Background(), info, local)
	require.NoError(t, err)

	p := &testPeer{session: remote, msgs: make(chan protocol.Msg, 256)}
	go p.pump()
	t.Cleanup(func() { _ = remote.Close() })
	return p
}

func dsInfo(id int32) PeerInfo {
	return PeerInfo{ServerID: id, Kind: KindDS, GenerationID: 7}
}

func rsInfo(id int32, generation int64) PeerInfo {
	return PeerInfo{ServerID: id, Kind: KindRS, GenerationID: generation}
}

func TestDomainForwardsUpdates(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds1 := connect(t, d, dsInfo(1))
	ds2 := connect(t, d, dsInfo(2))
	badGen := dsInfo(3)
	badGen.Status = protocol.StatusBadGenID
	ds3 := connect(t, d, badGen)
	rs := connect(t, d, rsInfo(200, 7))
	otherGen := connect(t, d, rsInfo(201, 8))

	u := update(1000, 1, 1)
	ds1.send(t, u)

	assert.Equal(t, u.CSN, expect[*protocol.UpdateMsg](t, ds2).CSN)
	assert.Equal(t, u.CSN, expect[*protocol.UpdateMsg](t, rs).CSN)
	expectNoUpdate(t, ds1, 100*time.Millisecond)
	expectNoUpdate(t, ds3, 100*time.Millisecond)
	expectNoUpdate(t, otherGen, 100*time.Millisecond)

	assert.True(t, d.ChangelogState().Cover(u.CSN))
	assert.True(t, d.Handler(1).ServerState().Cover(u.CSN), "source state follows its own updates")
}

func TestDomainAdoptsGenerationOfFirstSource(t *testing.T) {
	cfg := domainConfig()
	cfg.GenerationID = 0
	d := newTestDomain(t, cfg)

	src := dsInfo(1)
	src.GenerationID = 42
	ds := connect(t, d, src)
	rs := connect(t, d, rsInfo(200, 42))
	otherGen := connect(t, d, rsInfo(201, 43))
	require.Zero(t, d.GenerationID())

	u := assured(update(1000, 1, 1), protocol.SafeReadMode, 0)
	ds.send(t, u)

	fwd := expect[*protocol.UpdateMsg](t, rs)
	assert.Equal(t, u.CSN, fwd.CSN)
	assert.True(t, fwd.Assured, "the replication server is expected to ack")
	expectNoUpdate(t, otherGen, 100*time.Millisecond)
	assert.Equal(t, int64(42), d.GenerationID())

	rs.send(t, &protocol.AckMsg{CSN: u.CSN})
	ack := expect[*protocol.AckMsg](t, ds)
	assert.False(t, ack.HasErrors())
}

func TestDomainKeepsConfiguredGeneration(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	src := dsInfo(1)
	src.GenerationID = 42
	ds := connect(t, d, src)
	rs := connect(t, d, rsInfo(200, 42))

	ds.send(t, update(1000, 1, 1))
	expectNoUpdate(t, rs, 100*time.Millisecond)
	assert.Equal(t, int64(7), d.GenerationID())
}

func TestDomainDoesNotForwardRSUpdatesToRSs(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds := connect(t, d, dsInfo(1))
	rs1 := connect(t, d, rsInfo(200, 7))
	rs2 := connect(t, d, rsInfo(201, 7))

	u := update(1000, 1, 5)
	rs1.send(t, u)

	assert.Equal(t, u.CSN, expect[*protocol.UpdateMsg](t, ds).CSN)
	expectNoUpdate(t, rs2, 100*time.Millisecond)
}

func TestDomainIgnoresDuplicateUpdates(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds1 := connect(t, d, dsInfo(1))
	ds2 := connect(t, d, dsInfo(2))

	u := update(1000, 1, 1)
	ds1.send(t, u)
	expect[*protocol.UpdateMsg](t, ds2)

	ds1.send(t, update(1000, 1, 1))
	expectNoUpdate(t, ds2, 100*time.Millisecond)
}

func assured(u *protocol.UpdateMsg, mode protocol.AssuredMode, level uint8) *protocol.UpdateMsg {
	u.Assured = true
	u.AssuredMode = mode
	u.SafeDataLevel = level
	return u
}

func TestDomainSafeReadAck(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds1 := connect(t, d, dsInfo(1))
	ds2 := connect(t, d, dsInfo(2))
	rs := connect(t, d, rsInfo(200, 7))

	u := assured(update(1000, 1, 1), protocol.SafeReadMode, 0)
	ds1.send(t, u)

	fwd := expect[*protocol.UpdateMsg](t, ds2)
	assert.True(t, fwd.Assured)
	assert.True(t, expect[*protocol.UpdateMsg](t, rs).Assured)

	ds2.send(t, &protocol.AckMsg{CSN: u.CSN})
	rs.send(t, &protocol.AckMsg{CSN: u.CSN})

	ack := expect[*protocol.AckMsg](t, ds1)
	assert.Equal(t, u.CSN, ack.CSN)
	assert.False(t, ack.HasErrors())
	assert.Empty(t, ack.FailedServers)
	assert.Eventually(t, func() bool { return d.PendingAcks() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDomainSafeReadTimeout(t *testing.T) {
	cfg := domainConfig()
	cfg.AssuredTimeout = 50 * time.Millisecond
	d := newTestDomain(t, cfg)

	ds1 := connect(t, d, dsInfo(1))
	ds2 := connect(t, d, dsInfo(2))

	u := assured(update(1000, 1, 1), protocol.SafeReadMode, 0)
	ds1.send(t, u)
	expect[*protocol.UpdateMsg](t, ds2)

	ack := expect[*protocol.AckMsg](t, ds1)
	assert.True(t, ack.HasTimeout)
	assert.Equal(t, []int32{2}, ack.FailedServers)

	// A late ack is dropped without a second reply.
	ds2.send(t, &protocol.AckMsg{CSN: u.CSN})
	select {
	case msg := <-ds1.msgs:
		_, isAck := msg.(*protocol.AckMsg)
		assert.False(t, isAck, "second ack sent")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDomainSafeReadDegradedServer(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds1 := connect(t, d, dsInfo(1))
	degraded := dsInfo(2)
	degraded.Status = protocol.StatusDegraded
	ds2 := connect(t, d, degraded)
	otherGroup := dsInfo(3)
	otherGroup.GroupID = 9
	ds3 := connect(t, d, otherGroup)

	u := assured(update(1000, 1, 1), protocol.SafeReadMode, 0)
	ds1.send(t, u)

	ack := expect[*protocol.AckMsg](t, ds1)
	assert.True(t, ack.HasWrongStatus)
	assert.Equal(t, []int32{2}, ack.FailedServers)

	assert.False(t, expect[*protocol.UpdateMsg](t, ds2).Assured)
	assert.False(t, expect[*protocol.UpdateMsg](t, ds3).Assured)
}

func TestDomainSafeData(t *testing.T) {
	t.Run("level one acks once stored", func(t *testing.T) {
		d := newTestDomain(t, domainConfig())
		ds := connect(t, d, dsInfo(1))
		rs := connect(t, d, rsInfo(200, 7))

		ds.send(t, assured(update(1000, 1, 1), protocol.SafeDataMode, 1))

		ack := expect[*protocol.AckMsg](t, ds)
		assert.False(t, ack.HasErrors())
		assert.False(t, expect[*protocol.UpdateMsg](t, rs).Assured)
	})

	t.Run("level two waits for one replication server", func(t *testing.T) {
		d := newTestDomain(t, domainConfig())
		ds := connect(t, d, dsInfo(1))
		rs1 := connect(t, d, rsInfo(200, 7))
		rs2 := connect(t, d, rsInfo(201, 7))

		u := assured(update(1000, 1, 1), protocol.SafeDataMode, 2)
		ds.send(t, u)

		assert.True(t, expect[*protocol.UpdateMsg](t, rs1).Assured)
		assert.True(t, expect[*protocol.UpdateMsg](t, rs2).Assured)

		rs2.send(t, &protocol.AckMsg{CSN: u.CSN})
		ack := expect[*protocol.AckMsg](t, ds)
		assert.False(t, ack.HasErrors())
	})

	t.Run("replication server source is acked at once", func(t *testing.T) {
		d := newTestDomain(t, domainConfig())
		rs := connect(t, d, rsInfo(200, 7))
		ds := connect(t, d, dsInfo(1))

		rs.send(t, assured(update(1000, 1, 3), protocol.SafeDataMode, 3))

		assert.False(t, expect[*protocol.AckMsg](t, rs).HasErrors())
		assert.False(t, expect[*protocol.UpdateMsg](t, ds).Assured)
	})
}

// stallSession holds every update send until released.
type stallSession struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
	status  chan *protocol.ChangeStatusMsg
	sent    atomic.Int32
}

func newStallSession() *stallSession {
	return &stallSession{
		release: make(chan struct{}),
		closed:  make(chan struct{}),
		status:  make(chan *protocol.ChangeStatusMsg, 8),
	}
}

func (s *stallSession) Send(msg protocol.Msg) error {
	switch m := msg.(type) {
	case *protocol.UpdateMsg:
		select {
		case <-s.release:
			s.sent.Add(1)
			return nil
		case <-s.closed:
			return ErrSessionClosed
		}
	case *protocol.ChangeStatusMsg:
		s.status <- m
	}
	return nil
}

func (s *stallSession) Receive() (protocol.Msg, error) {
	<-s.closed
	return nil, ErrSessionClosed
}

func (s *stallSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestDomainDegradedStatus(t *testing.T) {
	cfg := domainConfig()
	cfg.DegradedStatusThreshold = 2
	d := newTestDomain(t, cfg)

	ds1 := connect(t, d, dsInfo(1))
	slow := newStallSession()
	_, err := d.Register(context.Background(), PeerInfo{ServerID: 2, Kind: KindDS, GroupID: 1, GenerationID: 7}, slow)
	require.NoError(t, err)
	ds2 := d.Handler(2)

	for seq := uint32(1); seq <= 4; seq++ {
		ds1.send(t, update(1000, seq, 1))
	}
	require.Eventually(t, func() bool { return ds2.RcvQueueSize() >= 3 }, 2*time.Second, 5*time.Millisecond)

	d.CheckDSDegradedStatus()
	assert.Equal(t, protocol.StatusDegraded, ds2.Status())
	assert.Equal(t, []int32{2}, d.DegradedServers())
	select {
	case msg := <-slow.status:
		assert.Equal(t, protocol.StatusDegraded, msg.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("degraded status not announced")
	}

	d.pendingMu.Lock()
	assert.True(t, d.pending.sendDSTopology)
	d.pendingMu.Unlock()

	close(slow.release)
	require.Eventually(t, func() bool { return ds2.RcvQueueSize() == 0 }, 2*time.Second, 5*time.Millisecond)

	d.CheckDSDegradedStatus()
	assert.Equal(t, protocol.StatusNormal, ds2.Status())
	assert.Empty(t, d.DegradedServers())
	assert.Eventually(t, func() bool { return slow.sent.Load() == 4 }, time.Second, 5*time.Millisecond)
}

func TestDomainStatusChangeIsPropagated(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	require.NoError(t, d.Start(context.Background()))

	ds1 := connect(t, d, dsInfo(1))
	ds2 := connect(t, d, dsInfo(2))

	ds1.send(t, &protocol.ChangeStatusMsg{NewStatus: protocol.StatusFullUpdate})

	require.Eventually(t, func() bool {
		select {
		case msg := <-ds2.msgs:
			topo, ok := msg.(*protocol.TopologyMsg)
			if !ok {
				return false
			}
			for _, info := range topo.DSInfos {
				if info.ServerID == 1 && info.Status == protocol.StatusFullUpdate {
					return true
				}
			}
		default:
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	ds2.send(t, update(1000, 1, 2))
	expectNoUpdate(t, ds1, 100*time.Millisecond)

	// FULL_UPDATE cannot go to DEGRADED.
	ds1.send(t, &protocol.ChangeStatusMsg{NewStatus: protocol.StatusDegraded})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, protocol.StatusFullUpdate, d.Handler(1).Status())
}

func TestDomainAnswersMonitorRequests(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	require.NoError(t, d.Start(context.Background()))

	ds := connect(t, d, dsInfo(1))
	rs := connect(t, d, rsInfo(200, 7))

	ds.send(t, update(1000, 3, 1))
	expect[*protocol.UpdateMsg](t, rs)

	ds.send(t, &protocol.MonitorRequestMsg{SenderID: 1, DestinationID: localRSID})
	global := expect[*protocol.MonitorMsg](t, ds)
	assert.Equal(t, localRSID, global.SenderID)
	assert.Equal(t, int32(1), global.DestinationID)
	require.NotNil(t, global.ReplServerDBState)
	assert.True(t, global.ReplServerDBState.Cover(csn.New(1000, 3, 1)))

	rs.send(t, &protocol.MonitorRequestMsg{SenderID: 200, DestinationID: localRSID})
	local := expect[*protocol.MonitorMsg](t, rs)
	assert.Equal(t, int32(200), local.DestinationID)
	require.Len(t, local.DSStates, 1)
	assert.Equal(t, int32(1), local.DSStates[0].ServerID)
	require.Len(t, local.RSStates, 1)
	assert.Equal(t, int32(200), local.RSStates[0].ServerID)
}

func TestDomainRecomputeMonitorData(t *testing.T) {
	d := newTestDomain(t, domainConfig())

	ds := connect(t, d, dsInfo(1))
	rs := connect(t, d, rsInfo(200, 7))

	ds.send(t, update(1000, 5, 1))
	expect[*protocol.UpdateMsg](t, rs)

	go func() {
		for msg := range rs.msgs {
			if _, ok := msg.(*protocol.MonitorRequestMsg); !ok {
				continue
			}
			_ = rs.session.Send(&protocol.MonitorMsg{
				SenderID:          200,
				DestinationID:     localRSID,
				ReplServerDBState: csn.NewServerStateFrom(csn.New(1000, 5, 1), csn.New(1000, 9, 3)),
				DSStates: []protocol.ServerMonitorEntry{
					{ServerID: 3, State: csn.NewServerStateFrom(csn.New(1000, 9, 3))},
				},
			})
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data := d.RecomputeMonitorData(ctx)

	assert.Equal(t, 0, d.LateMonitorServers())
	assert.ElementsMatch(t, []int32{1, 3}, data.DSIDs())
	assert.Equal(t, []int32{200}, data.RSIDs())
	assert.Same(t, data, d.MonitorData())
}

func TestDomainRegistration(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	connect(t, d, dsInfo(1))

	local, _ := newPipeSessions()
	_, err := d.Register(context.Background(), dsInfo(1), local)
	assert.ErrorIs(t, err, ErrPeerRegistered)

	_, err = d.Register(context.Background(), rsInfo(1, 7), local)
	assert.ErrorIs(t, err, ErrPeerRegistered)

	_, err = d.Register(context.Background(), dsInfo(localRSID), local)
	assert.ErrorIs(t, err, ErrInvalidPeer)

	_, err = d.Register(context.Background(), PeerInfo{ServerID: 4, Kind: 9}, local)
	assert.ErrorIs(t, err, ErrInvalidPeer)

	assert.ErrorIs(t, d.Unregister(42), ErrUnknownPeer)
	require.NoError(t, d.Unregister(1))
	assert.Nil(t, d.Handler(1))

	d.Shutdown()
	_, err = d.Register(context.Background(), dsInfo(5), local)
	assert.ErrorIs(t, err, ErrDomainClosed)
}

func TestDomainDropsLostPeers(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	ds := connect(t, d, dsInfo(1))
	require.NotNil(t, d.Handler(1))

	require.NoError(t, ds.session.Close())
	assert.Eventually(t, func() bool { return d.Handler(1) == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestDomainShutdownWaitsForPeerDrops(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	ds := connect(t, d, dsInfo(1))
	connect(t, d, dsInfo(2))

	require.NoError(t, ds.session.Close())
	d.Shutdown()
	assert.Nil(t, d.Handler(1))

	d.unregisterAsync(2)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("peer drop still running after shutdown")
	}
}

func TestDomainLateJoinerCatchesUp(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	ds1 := connect(t, d, dsInfo(1))
	rs := connect(t, d, rsInfo(200, 7))

	for seq := uint32(1); seq <= 3; seq++ {
		ds1.send(t, update(1000, seq, 1))
		expect[*protocol.UpdateMsg](t, rs)
	}

	info := dsInfo(2)
	info.State = csn.NewServerStateFrom(csn.New(1000, 1, 1))
	ds2 := connect(t, d, info)

	assert.Equal(t, csn.New(1000, 2, 1), expect[*protocol.UpdateMsg](t, ds2).CSN)
	assert.Equal(t, csn.New(1000, 3, 1), expect[*protocol.UpdateMsg](t, ds2).CSN)
}

func TestDomainStartTwice(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))
}

func TestNewDomainRejectsInvalidConfig(t *testing.T) {
	cfg := domainConfig()
	cfg.ServerID = 0
	_, err := NewDomain(testBaseDN, cfg, newTestChangelog(t), nil, nil)
	assert.Error(t, err)
}

func TestPendingStatusExclusion(t *testing.T) {
	p := newPendingStatusMessages()
	assert.True(t, p.empty())

	p.enqueueTopoInfoToAllDSsExcept(2)
	assert.Equal(t, int32(2), p.excludedDS)
	p.enqueueTopoInfoToAllDSsExcept(2)
	assert.Equal(t, int32(2), p.excludedDS)
	p.enqueueTopoInfoToAllDSsExcept(3)
	assert.Equal(t, noExcludedDS, p.excludedDS)
	p.enqueueTopoInfoToAllDSsExcept(2)
	assert.Equal(t, noExcludedDS, p.excludedDS)
	assert.False(t, p.empty())
}

type countingPublisherDomain struct {
	rounds    atomic.Int32
	published atomic.Int32
	block     bool
}

func (c *countingPublisherDomain) RecomputeMonitorData(ctx context.Context) *MonitorData {
	c.rounds.Add(1)
	if c.block {
		<-ctx.Done()
		return nil
	}
	return NewMonitorData()
}

func (c *countingPublisherDomain) PublishMonitorData(*MonitorData) {
	c.published.Add(1)
}

func TestMonitoringPublisherPublishes(t *testing.T) {
	domain := &countingPublisherDomain{}
	p := NewMonitoringPublisher(domain, 10*time.Millisecond, nil)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool { return domain.published.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	p.Shutdown()
	p.Shutdown()

	after := domain.published.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, domain.published.Load())
}

func TestMonitoringPublisherShutdownInterruptsRound(t *testing.T) {
	domain := &countingPublisherDomain{block: true}
	p := NewMonitoringPublisher(domain, 5*time.Millisecond, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return domain.rounds.Load() >= 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited for the round")
	}
	assert.Zero(t, domain.published.Load())
}

func TestServerHandlerRejectsInvalidPeerStatus(t *testing.T) {
	d := newTestDomain(t, domainConfig())
	connect(t, d, dsInfo(1))
	h := d.Handler(1)

	changed, err := h.applyPeerStatus(protocol.StatusInvalid)
	assert.False(t, changed)
	assert.True(t, errors.Is(err, protocol.ErrInvalidStatusEvent))

	changed, err = h.applyPeerStatus(protocol.StatusDegraded)
	require.NoError(t, err)
	assert.True(t, changed)
}
