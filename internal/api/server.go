package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/db"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/network"
	"github.com/energizer-project/worldgate/internal/realm"
	"github.com/energizer-project/worldgate/internal/session"
	"github.com/energizer-project/worldgate/internal/util"
)

// Deps are the runtime components the API reads and controls.
type Deps struct {
	Config   *config.Config
	Bus      *events.EventBus
	Gate     *realm.Gate
	Registry *network.ConnectionRegistry
	Sessions *session.Manager
	Auth     *auth.Service

	// Accounts is optional; ban routes answer 503 without it.
	Accounts *db.AccountsDatabase
	Version  string
}

// Server is the operations REST API.
type Server struct {
	deps   Deps
	logger zerolog.Logger

	routerOnce sync.Once
	router     *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Config.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the HTTP handler with every route and middleware.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() { s.router = s.buildRouter() })
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	world := s.deps.Config.GetWorldData()
	security := s.deps.Config.GetApplicationData().Security
	addr := net.JoinHostPort(world.APIBindAddress, strconv.Itoa(world.APIPort))

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if security.TLSEnabled {
		created, err := util.EnsureCertificate(security.TLSCertFile, security.TLSKeyFile, world.APIBindAddress, "localhost")
		if err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		if created {
			s.logger.Warn().Str("cert", security.TLSCertFile).Msg("using a generated self-signed API certificate")
		}
		cert, err := tls.LoadX509KeyPair(security.TLSCertFile, security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Bool("tls", srv.TLSConfig != nil).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	app := s.deps.Config.GetApplicationData()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := app.Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(IPWhitelist(app.Security.IPWhitelist))
	router.Use(NewRateLimiter(app.Security.RateLimitRPS).Middleware())

	if app.Metrics.Enabled {
		router.GET(app.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/realm", s.handleRealmStatus)
	}

	authMW := NewAuthMiddleware(s.deps.Config)
	protected := router.Group("/api")
	protected.Use(authMW.RequireToken())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/host", s.handleHost)
		monitor.GET("/logs", s.handleLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/realm/open", s.handleRealmOpen)
		control.POST("/realm/close", s.handleRealmClose)
		control.PUT("/realm/security", s.handleRealmSecurity)
		control.POST("/sessions/:account_id/kick", s.handleKick)
		control.GET("/bans", s.handleListBans)
		control.POST("/bans", s.handleBanAddress)
		control.DELETE("/bans/:ip", s.handleUnbanAddress)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/world", s.handleSetWorldField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "worldgate operations API"})
	})

	return router
}
