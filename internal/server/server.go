// Package server exposes project state over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/specboard/internal/health"
	"github.com/p-blackswan/specboard/internal/hub"
	"github.com/p-blackswan/specboard/internal/metrics"
	"github.com/p-blackswan/specboard/internal/models"
	"github.com/p-blackswan/specboard/internal/parser"
	"github.com/p-blackswan/specboard/internal/requestid"
	"github.com/p-blackswan/specboard/internal/tunnel"
)

// StateReader is the read side of the project state manager.
type StateReader interface {
	Snapshot() []models.ProjectState
	Project(id string) (models.ProjectState, bool)
	ActiveSessions() []models.ActiveSession
	ReadDocument(id string, kind parser.Kind, name, doc string) (string, error)
}

// TunnelController is the tunnel manager surface used by the HTTP layer.
type TunnelController interface {
	Start(ctx context.Context, req tunnel.StartRequest) (tunnel.Info, error)
	Stop(ctx context.Context) error
	Status() tunnel.Status
	Active() bool
	Password() string
	URL() string
	RecordVisitor(ip, userAgent string)
}

// Config holds server configuration.
type Config struct {
	RateLimit   RateLimitConfig
	CORSOrigins string
	// SessionSecret signs tunnel session tokens. Empty generates a random
	// per-process secret.
	SessionSecret []byte
	// SessionTTL bounds tunnel sessions (0 = 24h).
	SessionTTL time.Duration
}

// Deps are the collaborators of the server. Tunnel, Checker and Metrics may be nil.
type Deps struct {
	State   StateReader
	Hub     *hub.Hub
	Tunnel  TunnelController
	Checker *health.Checker
	Metrics *metrics.Metrics
}

// Server is the specboard Fiber application.
type Server struct {
	app      *fiber.App
	state    StateReader
	hub      *hub.Hub
	tunnel   TunnelController
	checker  *health.Checker
	metrics  *metrics.Metrics
	sessions *sessionSigner
	logger   zerolog.Logger
	config   Config
}

// New creates and configures the server.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	signer, err := newSessionSigner(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	checker := deps.Checker
	if checker == nil {
		checker = health.NewChecker(logger)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		state:    deps.State,
		hub:      deps.Hub,
		tunnel:   deps.Tunnel,
		checker:  checker,
		metrics:  deps.Metrics,
		sessions: signer,
		logger:   logger.With().Str("component", "server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware(cfg Config) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.Middleware())
	s.app.Use(s.accessLog())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	s.app.Use(s.detectTunnel())
	if cfg.RateLimit.RPS > 0 {
		s.app.Use(newRateLimitMiddleware(cfg.RateLimit))
	}
	s.app.Use(s.requireTunnelSession())
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", health.LivenessHandler())
	s.app.Get("/readyz", s.checker.ReadinessHandler())
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api")
	api.Get("/projects", s.listProjects)
	api.Get("/projects/:id", s.getProject)
	api.Get("/projects/:id/specs", s.listSpecs)
	api.Get("/projects/:id/specs/:name", s.getSpec)
	api.Get("/projects/:id/specs/:name/:doc", s.getDocument(parser.KindSpecs))
	api.Get("/projects/:id/bugs", s.listBugs)
	api.Get("/projects/:id/bugs/:name", s.getBug)
	api.Get("/projects/:id/bugs/:name/:doc", s.getDocument(parser.KindBugs))
	api.Get("/projects/:id/steering/:doc", s.getDocument(parser.KindSteering))
	api.Get("/active-sessions", s.listActiveSessions)

	api.Get("/tunnel/status", s.tunnelStatus)
	api.Post("/tunnel/start", s.localOnly, s.startTunnel)
	api.Post("/tunnel/stop", s.localOnly, s.stopTunnel)
	api.Post("/tunnel/auth", s.tunnelAuth)

	if s.hub != nil {
		s.app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		s.app.Get("/ws", websocket.New(s.serveWS))
	}
}

// serveWS registers the viewer and blocks until its socket closes. Inbound
// frames are read and discarded so control frames are processed. The conn
// is pooled once this returns, so the hub writer must be gone by then.
func (s *Server) serveWS(conn *websocket.Conn) {
	client := s.hub.Connect(conn)
	defer s.hub.Release(client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Listen serves on ln. Blocks until stopped.
func (s *Server) Listen(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	return s.app.Listener(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
