package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/network"
	"github.com/energizer-project/worldgate/internal/protocol"
)

var (
	_ network.SessionOwner = (*Manager)(nil)
	_ Conn                 = (*network.WorldConnection)(nil)
)

// ResumeIssuer hands out connect-to keys. *auth.Service implements it.
type ResumeIssuer interface {
	IssueResumeKey(accountID uint32, connType protocol.ConnectionType) (protocol.ConnectToKey, error)
}

// Options tunes the manager.
type Options struct {
	UpdateInterval   time.Duration
	PacketsPerUpdate int
	MaxQueuedPackets int

	// InstanceAddress enables SMSG_CONNECT_TO after realm login.
	InstanceAddress string
	InstancePort    uint16
}

// OptionsFromConfig reads manager options from world configuration.
func OptionsFromConfig(world config.WorldData) Options {
	return Options{
		UpdateInterval:   world.UpdateInterval(),
		PacketsPerUpdate: world.Session.PacketsPerUpdate,
		MaxQueuedPackets: world.Session.MaxQueuedPackets,
		InstanceAddress:  world.InstanceAddress,
		InstancePort:     uint16(world.InstancePort),
	}
}

// Manager owns every WorldSession. It is the network.SessionOwner for all
// connections and runs the update loop that drains session queues.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint32]*WorldSession
	byConn   map[string]*WorldSession

	dispatcher *Dispatcher
	resume     ResumeIssuer
	bus        *events.EventBus
	opts       Options
	serial     atomic.Uint32
	logger     zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options, dispatcher *Dispatcher, resume ResumeIssuer, bus *events.EventBus) *Manager {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 50 * time.Millisecond
	}
	if opts.PacketsPerUpdate <= 0 {
		opts.PacketsPerUpdate = 100
	}
	return &Manager{
		sessions:   make(map[uint32]*WorldSession),
		byConn:     make(map[string]*WorldSession),
		dispatcher: dispatcher,
		resume:     resume,
		bus:        bus,
		opts:       opts,
		logger:     log.With().Str("component", "session_manager").Logger(),
	}
}

// NotifyAuthenticated implements network.SessionOwner. It runs under the
// connection lock, so anything that closes a connection does so from a new
// goroutine.
func (m *Manager) NotifyAuthenticated(conn *network.WorldConnection, account *auth.AccountRecord) network.PacketDispatcher {
	s := m.attach(conn, account)
	if s == nil {
		return nil
	}
	return s
}

// NotifyClosed implements network.SessionOwner.
func (m *Manager) NotifyClosed(conn *network.WorldConnection) {
	m.detach(conn)
}

func (m *Manager) attach(conn Conn, account *auth.AccountRecord) *WorldSession {
	if conn.ConnectionType() == protocol.ConnectionTypeInstance {
		return m.attachInstance(conn, account)
	}

	s := NewWorldSession(account, conn, m.dispatcher, m.opts.MaxQueuedPackets)

	m.mu.Lock()
	old := m.sessions[account.ID]
	m.sessions[account.ID] = s
	m.byConn[conn.ID()] = s
	m.mu.Unlock()

	metrics.SessionOpened()
	if old != nil {
		m.kick(old, "logged in from another connection")
	}

	m.logger.Info().
		Uint32("account_id", account.ID).
		Str("username", account.Username).
		Str("conn_id", conn.ID()).
		Msg("session opened")

	if m.opts.InstanceAddress != "" && m.resume != nil {
		m.sendConnectTo(s, conn)
	}
	return s
}

func (m *Manager) attachInstance(conn Conn, account *auth.AccountRecord) *WorldSession {
	m.mu.Lock()
	s := m.sessions[account.ID]
	if s == nil || s.IsKicked() {
		m.mu.Unlock()
		m.logger.Warn().
			Uint32("account_id", account.ID).
			Str("conn_id", conn.ID()).
			Msg("instance connection without a realm session")
		go conn.Close()
		return nil
	}
	prev := s.attachInstance(conn)
	m.byConn[conn.ID()] = s
	m.mu.Unlock()

	if prev != nil {
		go prev.Close()
	}
	m.logger.Debug().
		Uint32("account_id", account.ID).
		Str("conn_id", conn.ID()).
		Msg("instance connection attached")
	return s
}

func (m *Manager) detach(conn Conn) {
	m.mu.Lock()
	s, ok := m.byConn[conn.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byConn, conn.ID())

	if s.RealmConn().ID() != conn.ID() {
		s.detachInstance(conn)
		m.mu.Unlock()
		return
	}
	if m.sessions[s.AccountID()] == s {
		delete(m.sessions, s.AccountID())
	}
	m.mu.Unlock()

	s.Kick("realm connection closed")
	metrics.SessionClosed()
	m.logger.Info().Uint32("account_id", s.AccountID()).Msg("session closed")
}

// sendConnectTo directs the client to open its instance connection.
func (m *Manager) sendConnectTo(s *WorldSession, conn Conn) {
	key, err := m.resume.IssueResumeKey(s.AccountID(), protocol.ConnectionTypeInstance)
	if err != nil {
		m.logger.Error().Err(err).Uint32("account_id", s.AccountID()).Msg("failed to issue connect-to key")
		return
	}
	msg := protocol.ConnectTo{
		Key:     key.Raw(),
		Serial:  m.serial.Add(1),
		Port:    m.opts.InstancePort,
		Address: m.opts.InstanceAddress,
	}
	if err := conn.SendPacket(protocol.SMSGConnectTo, msg.Encode()); err != nil {
		m.logger.Warn().Err(err).Uint32("account_id", s.AccountID()).Msg("failed to send connect-to")
	}
}

// Run drives the update loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.UpdateInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.opts.UpdateInterval).Msg("session update loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("session update loop stopped")
			return nil
		case <-ticker.C:
			m.Update()
		}
	}
}

// Update gives every session one processing slice and returns the number
// of packets handled.
func (m *Manager) Update() int {
	m.mu.RLock()
	sessions := make([]*WorldSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		total += s.Update(m.opts.PacketsPerUpdate)
	}
	return total
}

// Get returns the session for an account.
func (m *Manager) Get(accountID uint32) (*WorldSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns session snapshots ordered by account id.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

// Kick disconnects an account. It returns false when no session exists.
func (m *Manager) Kick(accountID uint32, reason string) bool {
	s, ok := m.Get(accountID)
	if !ok {
		return false
	}
	m.kick(s, reason)
	return true
}

// KickAll disconnects every session and returns how many were kicked.
func (m *Manager) KickAll(reason string) int {
	m.mu.RLock()
	sessions := make([]*WorldSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		m.kick(s, reason)
	}
	return len(sessions)
}

func (m *Manager) kick(s *WorldSession, reason string) {
	if s.IsKicked() {
		return
	}
	s.Kick(reason)
	realm := s.RealmConn()
	m.bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionKicked,
		Source: "session",
		Payload: events.ConnectionPayload{
			ConnID:     realm.ID(),
			RemoteAddr: realm.RemoteAddr(),
			AccountID:  s.AccountID(),
			Reason:     reason,
		},
	})
}
