// Package health runs worldgate's periodic checks: the stale connection
// sweep, host resource warnings, expired ban cleanup and the heartbeat.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/network"
	"github.com/energizer-project/worldgate/internal/realm"
	"github.com/energizer-project/worldgate/internal/util"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// BanCleaner removes bans whose time has passed.
type BanCleaner interface {
	CleanExpiredBans(ctx context.Context) (int64, error)
}

// Sampler returns host CPU and memory usage in percent.
type Sampler func() (cpu, memory float64, err error)

// Manager runs the periodic checks.
type Manager struct {
	cfg      *config.Config
	bus      *events.EventBus
	registry *network.ConnectionRegistry
	sessions SessionCounter
	gate     *realm.Gate
	bans     BanCleaner
	sample   Sampler
	logger   zerolog.Logger
}

// NewManager creates a health manager. bans may be nil.
func NewManager(
	cfg *config.Config,
	bus *events.EventBus,
	registry *network.ConnectionRegistry,
	sessions SessionCounter,
	gate *realm.Gate,
	bans BanCleaner,
) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		sessions: sessions,
		gate:     gate,
		bans:     bans,
		sample:   sampleHost,
		logger:   log.With().Str("component", "health").Logger(),
	}
}

func sampleHost() (float64, float64, error) {
	cpu, err := util.GetCPUUsage()
	if err != nil {
		return 0, 0, err
	}
	memory, err := util.GetMemoryUsage()
	if err != nil {
		return 0, 0, err
	}
	return cpu, memory, nil
}

// Start launches every check on its own ticker and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"stale_sweep", timers.StaleCheckInterval, m.sweepStale},
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++

		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// sweepStale closes established connections idle past the keep-alive
// timeout.
func (m *Manager) sweepStale(context.Context) {
	timeout := m.cfg.GetWorldData().KeepAliveTimeout()
	if cleaned := m.registry.CleanStale(timeout); cleaned > 0 {
		m.logger.Info().Int("cleaned", cleaned).Dur("timeout", timeout).Msg("cleaned stale connections")
	}
}

// checkGeneralHealth warns on host resource pressure and prunes expired
// bans.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	m.checkResources(ctx)

	if m.bans == nil {
		return
	}
	cleaned, err := m.bans.CleanExpiredBans(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("expired ban cleanup failed")
		return
	}
	if cleaned > 0 {
		m.logger.Info().Int64("cleaned", cleaned).Msg("removed expired bans")
	}
}

func (m *Manager) checkResources(ctx context.Context) {
	cpu, memory, err := m.sample()
	if err != nil {
		m.logger.Warn().Err(err).Msg("host resource sample failed")
		return
	}

	timers := m.cfg.GetApplicationData().Timers
	m.logger.Debug().Float64("cpu", cpu).Float64("memory", memory).Msg("host resources")

	for _, r := range []struct {
		name      string
		value     float64
		threshold float64
	}{
		{"cpu", cpu, timers.CPUWarnPercent},
		{"memory", memory, timers.MemoryWarnPercent},
	} {
		if r.threshold <= 0 || r.value < r.threshold {
			continue
		}
		m.logger.Warn().Str("resource", r.name).Float64("percent", r.value).Msg("host resource above threshold")
		m.bus.Emit(ctx, events.Event{
			Type:    events.EventResourceWarning,
			Source:  "health",
			Payload: events.ResourceWarningPayload{Resource: r.name, Percent: r.value},
		})
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.bus.Emit(ctx, events.Event{
		Type:   events.EventHeartbeat,
		Source: "health",
		Payload: events.HeartbeatPayload{
			Connections: m.registry.Count(),
			Sessions:    m.sessions.Count(),
			RealmClosed: m.gate.IsClosed(),
			Timestamp:   time.Now().UTC(),
		},
	})
}
