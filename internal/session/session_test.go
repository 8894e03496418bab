package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/protocol"
)

var connSeq atomic.Int64

type fakeConn struct {
	id       string
	connType protocol.ConnectionType

	mu      sync.Mutex
	packets []protocol.Packet
	closed  atomic.Bool
}

func newFakeConn(connType protocol.ConnectionType) *fakeConn {
	return &fakeConn{
		id:       fmt.Sprintf("conn-%d", connSeq.Add(1)),
		connType: connType,
	}
}

func (c *fakeConn) ID() string                              { return c.id }
func (c *fakeConn) RemoteAddr() string                      { return "127.0.0.1:50000" }
func (c *fakeConn) ConnectionType() protocol.ConnectionType { return c.connType }
func (c *fakeConn) Latency() uint32                         { return 12 }
func (c *fakeConn) IsClosed() bool                          { return c.closed.Load() }
func (c *fakeConn) Close()                                  { c.closed.Store(true) }

func (c *fakeConn) SendPacket(opcode protocol.Opcode, payload []byte) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, protocol.Packet{Opcode: opcode, Payload: payload})
	return nil
}

func (c *fakeConn) sent() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.packets...)
}

type fakeResume struct {
	mu     sync.Mutex
	issued []uint32
}

func (r *fakeResume) IssueResumeKey(accountID uint32, connType protocol.ConnectionType) (protocol.ConnectToKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued = append(r.issued, accountID)
	return protocol.ConnectToKey{AccountID: accountID, ConnectionType: connType, Key: 0xABCDE}, nil
}

func testAccount(id uint32) *auth.AccountRecord {
	return &auth.AccountRecord{
		ID:       id,
		Username: fmt.Sprintf("account%d", id),
		Security: auth.SecurityPlayer,
	}
}

func recordingHandler(mode ProcessMode, seen *[]string, mu *sync.Mutex) OpcodeHandler {
	return OpcodeHandler{
		Mode: mode,
		Handler: func(s *WorldSession, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			*seen = append(*seen, string(payload))
			return nil
		},
	}
}

func TestPacketQueueFIFOAndLimit(t *testing.T) {
	q := NewPacketQueue(3)
	for i := 0; i < 3; i++ {
		require.True(t, q.Push(protocol.Packet{Opcode: protocol.Opcode(i)}))
	}
	assert.False(t, q.Push(protocol.Packet{Opcode: 99}))
	assert.Equal(t, 3, q.Len())

	batch := q.PopBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, protocol.Opcode(0), batch[0].Opcode)
	assert.Equal(t, protocol.Opcode(1), batch[1].Opcode)

	require.True(t, q.Push(protocol.Packet{Opcode: 3}))
	batch = q.PopBatch(0)
	require.Len(t, batch, 2)
	assert.Equal(t, protocol.Opcode(2), batch[0].Opcode)
	assert.Equal(t, protocol.Opcode(3), batch[1].Opcode)
	assert.Nil(t, q.PopBatch(10))

	q.Push(protocol.Packet{Opcode: 4})
	q.Clear()
	assert.Equal(t, 0, q.Len())
	require.True(t, q.Push(protocol.Packet{Opcode: 5}))
}

func TestPacketQueueClose(t *testing.T) {
	q := NewPacketQueue(0)
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(protocol.Packet{Opcode: protocol.Opcode(i)}))
	}
	assert.Equal(t, 100, q.Len())

	q.Close()
	q.Close()
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Push(protocol.Packet{Opcode: 1}))
	assert.Nil(t, q.PopBatch(10))
	q.Clear()
}

func TestPacketQueueConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		each      = 50
		limit     = 300
	)
	q := NewPacketQueue(limit)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if q.Push(protocol.Packet{Opcode: protocol.Opcode(i)}) {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), accepted.Load())
	assert.Len(t, q.PopBatch(0), limit)
	assert.Equal(t, 0, q.Len())
}

func TestDispatchQueuedRunsInOrderOnUpdate(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	d := NewDispatcher()
	d.Register(protocol.CMSGQueryTime, recordingHandler(ProcessQueued, &seen, &mu))

	s := NewWorldSession(testAccount(1), newFakeConn(protocol.ConnectionTypeRealm), d, 16)
	for _, p := range []string{"a", "b", "c"} {
		s.Dispatch(protocol.CMSGQueryTime, []byte(p))
	}

	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()
	assert.Equal(t, 3, s.QueueLen())

	assert.Equal(t, 2, s.Update(2))
	assert.Equal(t, 1, s.Update(2))
	assert.Equal(t, 0, s.Update(2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestDispatchThreadSafeBypassesQueue(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	d := NewDispatcher()
	d.Register(protocol.CMSGKeepAlive, recordingHandler(ProcessThreadSafe, &seen, &mu))

	s := NewWorldSession(testAccount(1), newFakeConn(protocol.ConnectionTypeRealm), d, 16)
	s.Dispatch(protocol.CMSGKeepAlive, []byte("now"))

	assert.Equal(t, 0, s.QueueLen())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"now"}, seen)
}

func TestDispatchUnknownOpcodeDropped(t *testing.T) {
	d := NewDispatcher()
	conn := newFakeConn(protocol.ConnectionTypeRealm)
	s := NewWorldSession(testAccount(1), conn, d, 16)

	s.Dispatch(protocol.Opcode(0x7777), []byte{1, 2, 3})
	assert.Equal(t, 0, s.QueueLen())
	assert.False(t, s.IsKicked())
	assert.False(t, conn.IsClosed())
}

func TestDispatchQueueOverflowKicks(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	d := NewDispatcher()
	d.Register(protocol.CMSGQueryTime, recordingHandler(ProcessQueued, &seen, &mu))

	conn := newFakeConn(protocol.ConnectionTypeRealm)
	s := NewWorldSession(testAccount(1), conn, d, 2)
	s.Dispatch(protocol.CMSGQueryTime, []byte("1"))
	s.Dispatch(protocol.CMSGQueryTime, []byte("2"))
	assert.False(t, s.IsKicked())

	s.Dispatch(protocol.CMSGQueryTime, []byte("3"))
	assert.True(t, s.IsKicked())
	assert.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, s.Update(10))
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen)
}

func TestHandlerPanicRecovered(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.CMSGKeepAlive, OpcodeHandler{
		Mode:    ProcessThreadSafe,
		Handler: func(*WorldSession, []byte) error { panic("boom") },
	})
	s := NewWorldSession(testAccount(1), newFakeConn(protocol.ConnectionTypeRealm), d, 16)

	assert.NotPanics(t, func() { s.Dispatch(protocol.CMSGKeepAlive, nil) })
	assert.False(t, s.IsKicked())
}

func TestDefaultHandlers(t *testing.T) {
	d := NewDispatcher()
	RegisterDefaultHandlers(d)
	assert.Equal(t, 3, d.Len())

	h, ok := d.Lookup(protocol.CMSGTimeSyncResponse)
	require.True(t, ok)
	assert.Equal(t, ProcessThreadSafe, h.Mode)

	conn := newFakeConn(protocol.ConnectionTypeRealm)
	s := NewWorldSession(testAccount(1), conn, d, 16)

	t.Run("time sync", func(t *testing.T) {
		s.Dispatch(protocol.CMSGTimeSyncResponse, protocol.NewPacketBuilder().WriteUint32(4).WriteUint32(9000).Build())
		counter, ticks := s.TimeSync()
		assert.Equal(t, uint32(4), counter)
		assert.Equal(t, uint32(9000), ticks)

		s.Dispatch(protocol.CMSGTimeSyncResponse, []byte{1})
		counter, _ = s.TimeSync()
		assert.Equal(t, uint32(4), counter)
	})

	t.Run("query time", func(t *testing.T) {
		before := time.Now().Unix()
		s.Dispatch(protocol.CMSGQueryTime, nil)
		require.Equal(t, 1, s.Update(10))

		sent := conn.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, protocol.SMSGQueryTimeResponse, sent[0].Opcode)
		r := protocol.NewPacketReader(sent[0].Payload)
		assert.GreaterOrEqual(t, r.ReadInt64(), before)
		require.NoError(t, r.Err())
	})

	t.Run("logout", func(t *testing.T) {
		s.Dispatch(protocol.CMSGLogoutRequest, nil)
		require.Equal(t, 1, s.Update(10))

		sent := conn.sent()
		assert.Equal(t, protocol.SMSGLogoutComplete, sent[len(sent)-1].Opcode)
		assert.True(t, s.IsKicked())
		assert.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)
	})
}

func newTestManager(opts Options, resume ResumeIssuer) (*Manager, *events.EventBus) {
	bus := events.NewEventBus()
	d := NewDispatcher()
	RegisterDefaultHandlers(d)
	return NewManager(opts, d, resume, bus), bus
}

func TestManagerAttachAndDetach(t *testing.T) {
	m, bus := newTestManager(Options{MaxQueuedPackets: 16}, nil)
	defer bus.Stop()

	conn := newFakeConn(protocol.ConnectionTypeRealm)
	s := m.attach(conn, testAccount(7))
	require.NotNil(t, s)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get(7)
	require.True(t, ok)
	assert.Same(t, s, got)

	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(7), infos[0].AccountID)
	assert.Equal(t, conn.ID(), infos[0].RealmConnID)

	m.detach(conn)
	assert.Equal(t, 0, m.Count())
	assert.True(t, s.IsKicked())

	// Unknown connections are ignored.
	m.detach(newFakeConn(protocol.ConnectionTypeRealm))
}

func TestManagerReloginKicksOldSession(t *testing.T) {
	m, bus := newTestManager(Options{MaxQueuedPackets: 16}, nil)
	defer bus.Stop()

	kicked := make(chan events.ConnectionPayload, 1)
	bus.Subscribe(events.EventSessionKicked, "test", func(_ context.Context, e events.Event) error {
		kicked <- e.Payload.(events.ConnectionPayload)
		return nil
	})

	first := newFakeConn(protocol.ConnectionTypeRealm)
	old := m.attach(first, testAccount(7))
	second := newFakeConn(protocol.ConnectionTypeRealm)
	current := m.attach(second, testAccount(7))

	assert.True(t, old.IsKicked())
	assert.False(t, current.IsKicked())
	assert.Eventually(t, first.IsClosed, time.Second, 5*time.Millisecond)
	assert.False(t, second.IsClosed())

	select {
	case p := <-kicked:
		assert.Equal(t, first.ID(), p.ConnID)
		assert.Equal(t, uint32(7), p.AccountID)
	case <-time.After(time.Second):
		t.Fatal("no kick event")
	}

	// The old realm connection closing must not remove the new session.
	m.detach(first)
	got, ok := m.Get(7)
	require.True(t, ok)
	assert.Same(t, current, got)
}

func TestManagerInstanceConnection(t *testing.T) {
	m, bus := newTestManager(Options{MaxQueuedPackets: 16}, nil)
	defer bus.Stop()

	orphan := newFakeConn(protocol.ConnectionTypeInstance)
	assert.Nil(t, m.attach(orphan, testAccount(7)))
	assert.Eventually(t, orphan.IsClosed, time.Second, 5*time.Millisecond)

	realm := newFakeConn(protocol.ConnectionTypeRealm)
	s := m.attach(realm, testAccount(7))

	instance := newFakeConn(protocol.ConnectionTypeInstance)
	require.Same(t, s, m.attach(instance, testAccount(7)))
	assert.Equal(t, instance.ID(), s.InstanceConn().ID())

	replacement := newFakeConn(protocol.ConnectionTypeInstance)
	require.Same(t, s, m.attach(replacement, testAccount(7)))
	assert.Eventually(t, instance.IsClosed, time.Second, 5*time.Millisecond)

	m.detach(replacement)
	assert.Nil(t, s.InstanceConn())
	assert.Equal(t, 1, m.Count())
	assert.False(t, s.IsKicked())

	other := newFakeConn(protocol.ConnectionTypeInstance)
	m.attach(other, testAccount(7))
	m.detach(realm)
	assert.Equal(t, 0, m.Count())
	assert.Eventually(t, other.IsClosed, time.Second, 5*time.Millisecond)
}

func TestManagerSendsConnectTo(t *testing.T) {
	resume := &fakeResume{}
	m, bus := newTestManager(Options{
		MaxQueuedPackets: 16,
		InstanceAddress:  "10.0.0.5",
		InstancePort:     8086,
	}, resume)
	defer bus.Stop()

	conn := newFakeConn(protocol.ConnectionTypeRealm)
	m.attach(conn, testAccount(7))

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.SMSGConnectTo, sent[0].Opcode)

	msg, err := protocol.ParseConnectTo(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", msg.Address)
	assert.Equal(t, uint16(8086), msg.Port)
	assert.Equal(t, uint32(1), msg.Serial)

	key := protocol.ParseConnectToKey(msg.Key)
	assert.Equal(t, uint32(7), key.AccountID)
	assert.Equal(t, protocol.ConnectionTypeInstance, key.ConnectionType)
	assert.Equal(t, []uint32{7}, resume.issued)
}

func TestManagerUpdateAndKick(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	bus := events.NewEventBus()
	defer bus.Stop()
	d := NewDispatcher()
	d.Register(protocol.CMSGQueryTime, recordingHandler(ProcessQueued, &seen, &mu))
	m := NewManager(Options{MaxQueuedPackets: 16, PacketsPerUpdate: 1}, d, nil, bus)

	a := m.attach(newFakeConn(protocol.ConnectionTypeRealm), testAccount(1))
	b := m.attach(newFakeConn(protocol.ConnectionTypeRealm), testAccount(2))
	a.Dispatch(protocol.CMSGQueryTime, []byte("a1"))
	a.Dispatch(protocol.CMSGQueryTime, []byte("a2"))
	b.Dispatch(protocol.CMSGQueryTime, []byte("b1"))

	assert.Equal(t, 2, m.Update())
	assert.Equal(t, 1, m.Update())
	assert.Equal(t, 0, m.Update())

	mu.Lock()
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, seen)
	mu.Unlock()

	assert.False(t, m.Kick(99, "nobody"))
	assert.True(t, m.Kick(1, "gm"))
	assert.True(t, a.IsKicked())

	assert.Equal(t, 2, m.KickAll("shutdown"))
	assert.True(t, b.IsKicked())
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	m, bus := newTestManager(Options{UpdateInterval: time.Millisecond}, nil)
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
