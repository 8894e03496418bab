package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/crypt"
	"github.com/energizer-project/worldgate/internal/metrics"
)

// TCPListener accepts world socket connections and hands each one a
// WorldConnection driven by its own transport goroutines.
type TCPListener struct {
	cfg      *config.Config
	deps     Dependencies
	registry *ConnectionRegistry

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewTCPListener creates a new TCP listener. deps.Registry is replaced by
// registry so every accepted connection unregisters itself on close.
func NewTCPListener(cfg *config.Config, deps Dependencies, registry *ConnectionRegistry) *TCPListener {
	deps.Registry = registry
	return &TCPListener{
		cfg:      cfg,
		deps:     deps,
		registry: registry,
		ready:    make(chan struct{}),
	}
}

// Start listens on the configured world port and accepts until ctx is
// cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	world := l.cfg.GetWorldData()
	addr := net.JoinHostPort(world.BindAddress, fmt.Sprintf("%d", world.WorldPort))

	// SO_REUSEADDR allows immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start world listener on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	log.Info().Str("addr", ln.Addr().String()).Msg("world listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("world listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if err := l.accept(conn, world); err != nil {
			log.Warn().
				Err(err).
				Str("remote", conn.RemoteAddr().String()).
				Msg("connection refused")
			conn.Close()
		}
	}
}

// accept wires a raw socket into a WorldConnection and starts it.
func (l *TCPListener) accept(rawConn net.Conn, world config.WorldData) error {
	if world.MaxConnections > 0 && l.registry.Count() >= world.MaxConnections {
		metrics.ConnectionError("limit")
		return ErrConnectionLimited
	}

	if tcp, ok := rawConn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(world.Socket.NoDelay); err != nil {
			log.Debug().Err(err).Msg("failed to set TCP_NODELAY")
		}
	}

	transport := NewTCPTransport(rawConn, world.Socket.WriteQueueSize, world.WriteTimeout())
	conn, err := NewWorldConnection(uuid.NewString(), transport, l.deps)
	if err != nil {
		transport.Close()
		return err
	}

	l.registry.Register(conn)
	if err := conn.Start(); err != nil {
		return nil // Start closed and unregistered the connection
	}

	log.Debug().
		Str("conn_id", conn.ID()).
		Str("remote", conn.RemoteAddr()).
		Msg("new world connection")
	return nil
}

// Addr blocks until the listener is bound and returns its address.
func (l *TCPListener) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener.Addr(), nil
}

// Stop closes the listening socket. Live connections are left to the
// registry.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// SettingsFromConfig builds per-connection settings from world config.
func SettingsFromConfig(world config.WorldData) (Settings, error) {
	suite, err := crypt.ParseSuite(world.Crypto.Cipher)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Suite:             suite,
		CompressionLevel:  world.Crypto.CompressionLevel,
		HandshakeTimeout:  world.HandshakeTimeout(),
		MaxOverspeedPings: world.Session.MaxOverspeedPings,
		DosZeroBits:       world.Handshake.DosZeroBits,
	}, nil
}

// WaitIdle blocks until the registry is empty or timeout elapses.
func WaitIdle(registry *ConnectionRegistry, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for registry.Count() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}
