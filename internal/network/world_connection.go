// Package network implements the world socket: the TCP listener, the
// per-connection framing and handshake state machine, and the registry of
// live connections.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/compression"
	"github.com/energizer-project/worldgate/internal/crypt"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/protocol"
)

// CredentialService answers the handshake's account questions.
// *auth.Service implements it.
type CredentialService interface {
	AccountByTicket(ctx context.Context, ticket string) (*auth.AccountRecord, error)
	AccountByID(ctx context.Context, id uint32) (*auth.AccountRecord, error)
	IsAddressBanned(ctx context.Context, ip string) (bool, error)
	CountryForAddress(ctx context.Context, ip string) (string, error)
	PersistSessionKey(accountID uint32, key []byte)
	ConsumeResumeKey(key protocol.ConnectToKey) bool
}

// RealmGate reports whether the realm currently admits logins.
type RealmGate interface {
	ID() uint32
	IsClosed() bool
	RequiredSecurity() auth.SecurityLevel
	AllowsBuild(build uint32) bool
}

// PacketDispatcher receives post-handshake packets. payload is owned by the
// callee.
type PacketDispatcher interface {
	Dispatch(opcode protocol.Opcode, payload []byte)
}

// SessionOwner is told when a connection becomes a session and when it
// goes away. NotifyAuthenticated runs with the connection lock held and
// may only use SendPacket and the lock-free accessors; NotifyClosed runs
// after the lock is released.
type SessionOwner interface {
	NotifyAuthenticated(conn *WorldConnection, account *auth.AccountRecord) PacketDispatcher
	NotifyClosed(conn *WorldConnection)
}

// Settings are the per-connection tunables.
type Settings struct {
	Suite             crypt.Suite
	CompressionLevel  int
	HandshakeTimeout  time.Duration
	MaxOverspeedPings int
	DosZeroBits       uint8
}

// Dependencies are the collaborators shared by all connections.
type Dependencies struct {
	Credentials CredentialService
	Realm       RealmGate
	Owner       SessionOwner
	Bus         *events.EventBus
	Registry    *ConnectionRegistry
	Settings    Settings
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	ID             string                  `json:"id"`
	RemoteAddr     string                  `json:"remote_addr"`
	State          ConnectionState         `json:"state"`
	AccountID      uint32                  `json:"account_id,omitempty"`
	ConnectionType protocol.ConnectionType `json:"connection_type"`
	LatencyMS      uint32                  `json:"latency_ms"`
	ConnectedAt    time.Time               `json:"connected_at"`
	LastActivity   time.Time               `json:"last_activity"`
}

// WorldConnection drives one client through the handshake and then frames
// its traffic. Inbound processing and state changes happen under mu; the
// cipher's send side, the compressor and the transport enqueue happen under
// writeMu. When both are needed mu is taken first.
type WorldConnection struct {
	id        string
	transport Transport
	deps      Dependencies
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	serverChallenge [protocol.ChallengeSize]byte
	dosChallenge    [protocol.DosChallengeSize]byte
	connectedAt     time.Time

	// Lock-free views for owners and operators.
	state        atomic.Int32
	closed       atomic.Bool
	accountID    atomic.Uint32
	connType     atomic.Uint32
	latency      atomic.Uint32
	lastActivity atomic.Int64

	mu             sync.Mutex
	greeting       []byte
	reader         *FrameReader
	timer          *time.Timer
	account        *auth.AccountRecord
	encryptKey     [crypt.KeySize]byte
	dispatcher     PacketDispatcher
	lastPing       time.Time
	overspeedPings int
	pendingNotify  bool
	notifyOwner    bool

	writeMu sync.Mutex
	crypt   *crypt.PacketCrypt
	codec   *compression.Codec
}

// NewWorldConnection prepares a connection over transport. Call Start to
// begin the handshake.
func NewWorldConnection(id string, transport Transport, deps Dependencies) (*WorldConnection, error) {
	level := deps.Settings.CompressionLevel
	if level == 0 {
		level = 1
	}
	codec, err := compression.NewCodec(level)
	if err != nil {
		return nil, err
	}

	c := &WorldConnection{
		id:          id,
		transport:   transport,
		deps:        deps,
		connectedAt: time.Now(),
		reader:      NewFrameReader(protocol.MaxHandshakePacketSize),
		crypt:       crypt.NewServerCrypt(deps.Settings.Suite),
		codec:       codec,
		logger: log.With().
			Str("component", "world_connection").
			Str("conn_id", id).
			Str("remote", transport.RemoteAddr()).
			Logger(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lastActivity.Store(c.connectedAt.UnixNano())

	if _, err := rand.Read(c.serverChallenge[:]); err != nil {
		return nil, fmt.Errorf("failed to generate server challenge: %w", err)
	}
	if _, err := rand.Read(c.dosChallenge[:]); err != nil {
		return nil, fmt.Errorf("failed to generate dos challenge: %w", err)
	}
	return c, nil
}

// Start sends the server greeting, arms the handshake timer and begins
// reading.
func (c *WorldConnection) Start() error {
	metrics.ConnectionOpened()
	c.deps.Bus.Emit(context.Background(), events.Event{
		Type:    events.EventConnectionAccepted,
		Source:  "network",
		Payload: events.ConnectionPayload{ConnID: c.id, RemoteAddr: c.RemoteAddr()},
	})

	if err := c.transport.AsyncWrite([]byte(protocol.ServerGreeting)); err != nil {
		c.closeWithError(wrapError(KindTransport, "failed to send greeting", err))
		return err
	}

	c.mu.Lock()
	if timeout := c.deps.Settings.HandshakeTimeout; timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.handshakeExpired)
	}
	c.mu.Unlock()

	c.logger.Debug().Msg("connection started")
	c.transport.AsyncRead(c)
	return nil
}

// HandleRead consumes bytes from the transport.
func (c *WorldConnection) HandleRead(data []byte) bool {
	keep := false
	c.withLock(func() {
		if c.State() == StateClosed {
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())
		if err := c.consume(data); err != nil {
			c.closeLocked(err)
			return
		}
		keep = true
	})
	return keep
}

// HandleReadError closes the connection after a transport failure.
func (c *WorldConnection) HandleReadError(err error) {
	c.closeWithError(wrapError(KindTransport, "read failed", err))
}

// Close shuts the connection down. It is idempotent.
func (c *WorldConnection) Close() {
	c.withLock(func() { c.closeLocked(nil) })
}

// SendPacket frames, compresses when worthwhile, encrypts and queues a
// packet. It does not take the connection lock.
func (c *WorldConnection) SendPacket(opcode protocol.Opcode, payload []byte) error {
	if c.closed.Load() {
		return errConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return errConnectionClosed
	}

	op, body, err := c.codec.MaybeCompress(opcode, payload, c.crypt.IsInitialized())
	if err != nil {
		return err
	}

	frame := make([]byte, protocol.HeaderSize+protocol.OpcodeSize+len(body))
	binary.LittleEndian.PutUint16(frame[protocol.HeaderSize:], uint16(op))
	copy(frame[protocol.HeaderSize+protocol.OpcodeSize:], body)

	tag, err := c.crypt.Encrypt(frame[protocol.HeaderSize:])
	if err != nil {
		return err
	}
	protocol.PacketHeader{Size: uint32(protocol.OpcodeSize + len(body)), Tag: tag}.Encode(frame)

	if err := c.transport.AsyncWrite(frame); err != nil {
		// The send counter already moved past this frame, so the stream
		// cannot continue. The caller may not hold mu.
		c.closed.Store(true)
		go c.closeWithError(wrapError(KindTransport, "write failed", err))
		return err
	}
	metrics.PacketSent(op != opcode)
	return nil
}

// ID returns the connection id.
func (c *WorldConnection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *WorldConnection) RemoteAddr() string { return c.transport.RemoteAddr() }

// State returns the current handshake state.
func (c *WorldConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// IsClosed reports whether the connection has been closed.
func (c *WorldConnection) IsClosed() bool { return c.closed.Load() }

// AccountID returns the authenticated account, or 0.
func (c *WorldConnection) AccountID() uint32 { return c.accountID.Load() }

// ConnectionType returns whether this is the realm or instance connection.
func (c *WorldConnection) ConnectionType() protocol.ConnectionType {
	return protocol.ConnectionType(c.connType.Load())
}

// Latency returns the latency last reported by the client, in ms.
func (c *WorldConnection) Latency() uint32 { return c.latency.Load() }

// ConnectedAt returns when the connection was accepted.
func (c *WorldConnection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns when bytes were last received.
func (c *WorldConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info returns a snapshot for operators.
func (c *WorldConnection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:             c.id,
		RemoteAddr:     c.RemoteAddr(),
		State:          c.State(),
		AccountID:      c.AccountID(),
		ConnectionType: c.ConnectionType(),
		LatencyMS:      c.Latency(),
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.LastActivity(),
	}
}

func (c *WorldConnection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// withLock runs fn under mu and delivers close notifications after the
// lock is released.
func (c *WorldConnection) withLock(fn func()) {
	c.mu.Lock()
	fn()
	notify := c.pendingNotify
	owner := c.notifyOwner
	c.pendingNotify = false
	c.mu.Unlock()

	if notify {
		c.afterClose(owner)
	}
}

func (c *WorldConnection) closeWithError(err error) {
	c.withLock(func() { c.closeLocked(err) })
}

// closeLocked is the single close path. Responses queued before it run are
// still flushed by the transport.
func (c *WorldConnection) closeLocked(err error) {
	if c.State() == StateClosed {
		return
	}
	prev := c.State()
	c.setState(StateClosed)
	c.closed.Store(true)
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.transport.Close()

	c.writeMu.Lock()
	c.crypt.Release()
	c.writeMu.Unlock()
	c.reader.Release()
	c.greeting = nil

	c.pendingNotify = true
	c.notifyOwner = c.dispatcher != nil
	c.logClose(prev, err)
}

func (c *WorldConnection) logClose(prev ConnectionState, err error) {
	if err == nil {
		c.logger.Debug().Str("state", prev.String()).Msg("connection closed")
		return
	}

	kind := KindTransport
	var ce *ConnError
	if errors.As(err, &ce) {
		kind = ce.Kind
	}
	metrics.ConnectionError(kind.String())

	ev := c.logger.Debug()
	switch kind {
	case KindFraming, KindSequence:
		ev = c.logger.Warn()
	case KindTamper:
		ev = c.logger.Error()
		c.deps.Bus.Emit(context.Background(), events.Event{
			Type:   events.EventTamperDetected,
			Source: "network",
			Payload: events.ConnectionPayload{
				ConnID:     c.id,
				RemoteAddr: c.RemoteAddr(),
				AccountID:  c.AccountID(),
				Reason:     err.Error(),
			},
		})
	case KindAuth:
		ev = c.logger.Info()
	}
	ev.Err(err).Str("state", prev.String()).Str("kind", kind.String()).Msg("connection closed")
}

func (c *WorldConnection) afterClose(owner bool) {
	metrics.ConnectionClosed()
	if owner && c.deps.Owner != nil {
		c.deps.Owner.NotifyClosed(c)
	}
	if c.deps.Registry != nil {
		c.deps.Registry.Unregister(c.id)
	}
	c.deps.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionClosed,
		Source: "network",
		Payload: events.ConnectionPayload{
			ConnID:         c.id,
			RemoteAddr:     c.RemoteAddr(),
			AccountID:      c.AccountID(),
			ConnectionType: c.ConnectionType().String(),
		},
	})
}

func (c *WorldConnection) handshakeExpired() {
	c.withLock(func() {
		if c.State().inHandshake() {
			c.closeLocked(newError(KindTransport, "handshake timed out"))
		}
	})
}

func (c *WorldConnection) remoteIP() string {
	addr := c.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
