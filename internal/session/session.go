package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/protocol"
)

// Conn is the part of a world connection a session uses.
// *network.WorldConnection implements it.
type Conn interface {
	ID() string
	RemoteAddr() string
	ConnectionType() protocol.ConnectionType
	Latency() uint32
	IsClosed() bool
	SendPacket(opcode protocol.Opcode, payload []byte) error
	Close()
}

// Info is a point-in-time view of a session.
type Info struct {
	AccountID    uint32             `json:"account_id"`
	Username     string             `json:"username"`
	Security     auth.SecurityLevel `json:"security"`
	RemoteAddr   string             `json:"remote_addr"`
	RealmConnID  string             `json:"realm_conn_id"`
	InstanceConn string             `json:"instance_conn_id,omitempty"`
	LatencyMS    uint32             `json:"latency_ms"`
	Queued       int                `json:"queued"`
	CreatedAt    time.Time          `json:"created_at"`
	LastUpdate   time.Time          `json:"last_update"`
}

// WorldSession is one authenticated account. Packets arrive from its
// connections' read goroutines; queued ones are processed by Update, which
// only the manager's update loop calls.
type WorldSession struct {
	account    *auth.AccountRecord
	dispatcher *Dispatcher
	queue      *PacketQueue
	createdAt  time.Time
	logger     zerolog.Logger

	mu       sync.RWMutex
	realm    Conn
	instance Conn

	kicked     atomic.Bool
	lastUpdate atomic.Int64

	// Last CMSG_TIME_SYNC_RESPONSE values
	timeSyncCounter atomic.Uint32
	clientTicks     atomic.Uint32
}

// NewWorldSession creates a session for account over its realm connection.
func NewWorldSession(account *auth.AccountRecord, realm Conn, dispatcher *Dispatcher, queueLimit int) *WorldSession {
	s := &WorldSession{
		account:    account,
		dispatcher: dispatcher,
		queue:      NewPacketQueue(queueLimit),
		createdAt:  time.Now(),
		realm:      realm,
		logger: log.With().
			Str("component", "session").
			Uint32("account_id", account.ID).
			Logger(),
	}
	s.lastUpdate.Store(s.createdAt.UnixNano())
	return s
}

// AccountID returns the session's account id.
func (s *WorldSession) AccountID() uint32 { return s.account.ID }

// Account returns the account record the session was created with.
func (s *WorldSession) Account() *auth.AccountRecord { return s.account }

// Dispatch implements network.PacketDispatcher.
func (s *WorldSession) Dispatch(opcode protocol.Opcode, payload []byte) {
	if s.kicked.Load() {
		return
	}
	s.dispatcher.Dispatch(s, opcode, payload)
}

// EnqueueDecodedPacket queues a packet for the update loop. It returns
// false when the queue is full.
func (s *WorldSession) EnqueueDecodedPacket(opcode protocol.Opcode, payload []byte) bool {
	return s.queue.Push(protocol.Packet{Opcode: opcode, Payload: payload})
}

// QueueLen returns the number of packets waiting for Update.
func (s *WorldSession) QueueLen() int { return s.queue.Len() }

// Update processes up to max queued packets in arrival order and returns
// how many ran.
func (s *WorldSession) Update(max int) int {
	s.lastUpdate.Store(time.Now().UnixNano())
	if s.kicked.Load() {
		return 0
	}
	batch := s.queue.PopBatch(max)
	for _, p := range batch {
		if s.kicked.Load() {
			break
		}
		s.dispatcher.process(s, p)
	}
	return len(batch)
}

// SendPacket sends on the realm connection.
func (s *WorldSession) SendPacket(opcode protocol.Opcode, payload []byte) error {
	s.mu.RLock()
	conn := s.realm
	s.mu.RUnlock()
	return conn.SendPacket(opcode, payload)
}

// Kick closes every connection of the session. Safe from any goroutine,
// including connection callbacks.
func (s *WorldSession) Kick(reason string) {
	if s.kicked.Swap(true) {
		return
	}
	s.logger.Info().Str("reason", reason).Msg("session kicked")
	s.queue.Close()

	s.mu.RLock()
	realm, instance := s.realm, s.instance
	s.mu.RUnlock()

	// Close re-enters the connection lock, which the caller may hold.
	go realm.Close()
	if instance != nil {
		go instance.Close()
	}
}

// IsKicked reports whether Kick was called.
func (s *WorldSession) IsKicked() bool { return s.kicked.Load() }

// RealmConn returns the connection the session was created on.
func (s *WorldSession) RealmConn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realm
}

// InstanceConn returns the attached instance connection, or nil.
func (s *WorldSession) InstanceConn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instance
}

func (s *WorldSession) attachInstance(conn Conn) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.instance
	s.instance = conn
	return prev
}

func (s *WorldSession) detachInstance(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance == nil || s.instance.ID() != conn.ID() {
		return false
	}
	s.instance = nil
	return true
}

// Info returns a snapshot for operators.
func (s *WorldSession) Info() Info {
	s.mu.RLock()
	realm, instance := s.realm, s.instance
	s.mu.RUnlock()

	info := Info{
		AccountID:   s.account.ID,
		Username:    s.account.Username,
		Security:    s.account.Security,
		RemoteAddr:  realm.RemoteAddr(),
		RealmConnID: realm.ID(),
		LatencyMS:   realm.Latency(),
		Queued:      s.queue.Len(),
		CreatedAt:   s.createdAt,
		LastUpdate:  time.Unix(0, s.lastUpdate.Load()),
	}
	if instance != nil {
		info.InstanceConn = instance.ID()
	}
	return info
}
