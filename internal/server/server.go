package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/auth"
	"github.com/sentineldf/sentineldf/internal/cache"
	"github.com/sentineldf/sentineldf/internal/config"
	"github.com/sentineldf/sentineldf/internal/events"
	"github.com/sentineldf/sentineldf/internal/identity"
	"github.com/sentineldf/sentineldf/internal/mbom"
	"github.com/sentineldf/sentineldf/internal/pipeline"
	"github.com/sentineldf/sentineldf/internal/usage"
)

// Deps carries the wired subsystems the HTTP surface fronts.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Auth     *auth.Authenticator
	Store    *identity.Store
	Recorder *usage.Recorder
	Signer   *mbom.Signer
	Hub      *events.Hub
	Cache    *cache.Cache
}

// Server is the HTTP front of the scan service.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	pipeline *pipeline.Pipeline
	authn    *auth.Authenticator
	store    *identity.Store
	recorder *usage.Recorder
	signer   *mbom.Signer
	hub      *events.Hub
	cache    *cache.Cache

	router *mux.Router
	server *http.Server
}

// New creates the server and sets up its routes.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		pipeline: deps.Pipeline,
		authn:    deps.Auth,
		store:    deps.Store,
		recorder: deps.Recorder,
		signer:   deps.Signer,
		hub:      deps.Hub,
		cache:    deps.Cache,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	// Key creation is the bootstrap path: callers arrive with an
	// upstream identity assertion, not yet a bearer key.
	s.router.HandleFunc("/v1/keys/create", s.handleKeyCreate).Methods(http.MethodPost)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/mbom", s.handleMBOM).Methods(http.MethodPost)
	api.HandleFunc("/mbom/verify", s.handleMBOMVerify).Methods(http.MethodPost)
	api.HandleFunc("/keys/usage", s.handleKeysUsage).Methods(http.MethodGet)
	api.HandleFunc("/keys/me", s.handleKeysList).Methods(http.MethodGet)
	api.HandleFunc("/keys/{id}", s.handleKeyRevoke).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the event hub and blocks serving HTTP.
func (s *Server) Start() error {
	if s.hub != nil {
		go s.hub.Run()
	}
	s.logger.Info("HTTP server starting", zap.Int("port", s.cfg.Port))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}
