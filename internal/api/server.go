// Package api provides the HTTP API server for the broker.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/gpuconnect/internal/api/handlers"
	"github.com/narvanalabs/gpuconnect/internal/api/health"
	"github.com/narvanalabs/gpuconnect/internal/api/middleware"
	"github.com/narvanalabs/gpuconnect/internal/auth"
	"github.com/narvanalabs/gpuconnect/internal/cache"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/registry"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the components the API serves.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Sessions handlers.Sessions
	Matcher  handlers.Trigger
	// Cache is optional.
	Cache cache.Cache
	// ConnectedNodes reports nodes with a live session.
	ConnectedNodes func() int
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.Require("store", deps.Store)
	if deps.Cache != nil {
		s.healthChecker.Optional("cache", deps.Cache)
	}
	if deps.ConnectedNodes != nil {
		s.healthChecker.Stat("connected_nodes", deps.ConnectedNodes)
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)

	// Long-lived WebSocket routes sit outside the request timeout.
	streamHandler := handlers.NewStreamHandler(s.deps.Sessions, s.logger)
	r.Get("/ws/computing", streamHandler.Computing)
	r.With(authMiddleware.OptionalQuery).Get("/ws/dashboard", streamHandler.Dashboard)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Get("/health", s.healthChecker.Handler())

		r.Route("/v1", func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			nodeHandler := handlers.NewNodeHandler(s.deps.Registry, s.logger)
			r.Get("/nodes", nodeHandler.List)
			r.Get("/capabilities", nodeHandler.Capabilities)

			jobHandler := handlers.NewJobHandler(s.deps.Ledger, s.deps.Store.Jobs(), s.deps.Matcher,
				s.deps.Cache, s.config.CacheTTL, s.logger)
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", jobHandler.Create)
				r.Get("/{jobID}", jobHandler.Get)
			})

			walletHandler := handlers.NewWalletHandler(s.deps.Ledger, s.logger)
			r.Get("/wallet", walletHandler.Get)

			tokenHandler := handlers.NewAgentTokenHandler(s.deps.Auth, s.deps.Store.AgentTokens(), s.logger)
			r.Route("/agent-tokens", func(r chi.Router) {
				r.Post("/", tokenHandler.Create)
				r.Get("/", tokenHandler.List)
				r.Delete("/{tokenID}", tokenHandler.Revoke)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
