package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/worldgate/internal/api"
	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/cli"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/db"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/health"
	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/network"
	"github.com/energizer-project/worldgate/internal/realm"
	"github.com/energizer-project/worldgate/internal/session"
	"github.com/energizer-project/worldgate/internal/telemetry"
	"github.com/energizer-project/worldgate/internal/util"
)

type serveFlags struct {
	console bool
}

func newServeCommand(root *rootFlags) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the world server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*root, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.console, "console", true, "attach the interactive console to stdin")
	return cmd
}

func runServe(root rootFlags, flags serveFlags) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := config.Load(root.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := util.InitLogger(cfg.GetApplicationData().Logging, true); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting worldgate")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	world := cfg.GetWorldData()
	settings, err := network.SettingsFromConfig(world)
	if err != nil {
		return err
	}

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	accounts, err := db.NewAccountsDatabase(world.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open accounts database: %w", err)
	}
	defer accounts.Close()

	authService := auth.NewService(accounts, auth.ServiceOptions{
		MaxConcurrentLookups: world.Handshake.MaxConcurrentLookups,
		LookupTimeout:        world.LookupTimeout(),
		ResumeTTL:            world.ResumeKeyTTL(),
		ResumeCapacity:       world.Handshake.ResumeKeyCapacity,
	})

	gate, err := realm.NewGate(world, eventBus)
	if err != nil {
		return err
	}

	dispatcher := session.NewDispatcher()
	session.RegisterDefaultHandlers(dispatcher)
	sessions := session.NewManager(session.OptionsFromConfig(world), dispatcher, authService, eventBus)

	registry := network.NewConnectionRegistry()
	listener := network.NewTCPListener(cfg, network.Dependencies{
		Credentials: authService,
		Realm:       gate,
		Owner:       sessions,
		Bus:         eventBus,
		Settings:    settings,
	}, registry)

	apiServer := api.NewServer(api.Deps{
		Config:   cfg,
		Bus:      eventBus,
		Gate:     gate,
		Registry: registry,
		Sessions: sessions,
		Auth:     authService,
		Accounts: accounts,
		Version:  AppVersion,
	})

	healthMgr := health.NewManager(cfg, eventBus, registry, sessions, gate, accounts)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry unavailable")
			mqttHandler = nil
		}
	}

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startWithRetry(ctx, "world listener", listener.Start, 15); err != nil {
			log.Error().Err(err).Msg("world listener failed after retries")
			errCh <- fmt.Errorf("world listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if flags.console {
		console := cli.NewCLI(cfg, eventBus, gate, registry, sessions, os.Stdin, os.Stdout)
		// Not tracked by wg: a blocked stdin read must not hold up shutdown.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		if err := eventBus.EmitSync(ctx, events.Event{Type: events.EventShutdown, Source: "main"}); err != nil {
			log.Warn().Err(err).Msg("shutdown handler failed")
		}
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	listener.Stop()
	kicked := sessions.KickAll("server shutdown")
	registry.CloseAll()
	if !network.WaitIdle(registry, 10*time.Second) {
		log.Warn().Int("remaining", registry.Count()).Msg("connections still open after shutdown grace period")
	}
	authService.Wait()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("sessions_kicked", kicked).Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("worldgate stopped")
	return runErr
}

// startWithRetry retries startFn while the port is still held by a
// previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
