// Package realm holds the realm gate: the runtime switches that decide
// whether the realm admits logins.
package realm

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
)

// Status is a point-in-time view of the gate.
type Status struct {
	ID               uint32             `json:"id"`
	Name             string             `json:"name"`
	Closed           bool               `json:"closed"`
	RequiredSecurity auth.SecurityLevel `json:"required_security"`
	AllowedBuilds    []uint32           `json:"allowed_builds"`
	Expansion        uint8              `json:"expansion"`
}

// Gate is read on every handshake and changed by operators. Reads are
// lock-free except for the build list.
type Gate struct {
	id        uint32
	name      string
	expansion uint8
	bus       *events.EventBus
	logger    zerolog.Logger

	closed   atomic.Bool
	security atomic.Uint32

	mu     sync.RWMutex
	builds map[uint32]struct{}
}

// NewGate builds a gate from world configuration.
func NewGate(world config.WorldData, bus *events.EventBus) (*Gate, error) {
	level, err := auth.ParseSecurityLevel(world.RequiredSecurity)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		id:        world.RealmID,
		name:      world.RealmName,
		expansion: world.Expansion,
		bus:       bus,
		logger:    log.With().Str("component", "realm").Uint32("realm_id", world.RealmID).Logger(),
	}
	g.closed.Store(world.RealmClosed)
	g.security.Store(uint32(level))
	g.SetAllowedBuilds(world.AllowedBuilds)
	return g, nil
}

// ID returns the realm id clients must present.
func (g *Gate) ID() uint32 { return g.id }

// Name returns the realm display name.
func (g *Gate) Name() string { return g.name }

// Expansion returns the expansion level granted to accounts.
func (g *Gate) Expansion() uint8 { return g.expansion }

// IsClosed reports whether logins are refused.
func (g *Gate) IsClosed() bool { return g.closed.Load() }

// RequiredSecurity returns the minimum account security for login.
func (g *Gate) RequiredSecurity() auth.SecurityLevel {
	return auth.SecurityLevel(g.security.Load())
}

// AllowsBuild reports whether a client build may connect. An empty list
// allows every build.
func (g *Gate) AllowsBuild(build uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.builds) == 0 {
		return true
	}
	_, ok := g.builds[build]
	return ok
}

// SetClosed opens or closes the realm.
func (g *Gate) SetClosed(closed bool) {
	if g.closed.Swap(closed) == closed {
		return
	}
	g.logger.Info().Bool("closed", closed).Msg("realm status changed")
	g.emit()
}

// SetRequiredSecurity changes the minimum security level.
func (g *Gate) SetRequiredSecurity(level auth.SecurityLevel) {
	if auth.SecurityLevel(g.security.Swap(uint32(level))) == level {
		return
	}
	g.logger.Info().Str("required_security", level.String()).Msg("realm security changed")
	g.emit()
}

// SetAllowedBuilds replaces the build allow-list.
func (g *Gate) SetAllowedBuilds(builds []uint32) {
	set := make(map[uint32]struct{}, len(builds))
	for _, b := range builds {
		set[b] = struct{}{}
	}
	g.mu.Lock()
	g.builds = set
	g.mu.Unlock()
}

// Status returns a snapshot of the gate.
func (g *Gate) Status() Status {
	g.mu.RLock()
	builds := make([]uint32, 0, len(g.builds))
	for b := range g.builds {
		builds = append(builds, b)
	}
	g.mu.RUnlock()
	slices.Sort(builds)

	return Status{
		ID:               g.id,
		Name:             g.name,
		Closed:           g.IsClosed(),
		RequiredSecurity: g.RequiredSecurity(),
		AllowedBuilds:    builds,
		Expansion:        g.expansion,
	}
}

func (g *Gate) emit() {
	g.bus.Emit(context.Background(), events.Event{
		Type:   events.EventRealmStatusChanged,
		Source: "realm",
		Payload: events.RealmStatusPayload{
			RealmID:          g.id,
			Closed:           g.IsClosed(),
			RequiredSecurity: g.RequiredSecurity().String(),
		},
	})
}
