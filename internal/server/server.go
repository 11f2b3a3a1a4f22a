package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/config"
	"github.com/karmada-io/karmada-terminal/internal/server/handlers"
	"github.com/karmada-io/karmada-terminal/internal/server/middleware"
	"github.com/karmada-io/karmada-terminal/internal/shell"
)

const sockjsPrefix = "/api/v1/terminal/sockjs"

type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
	registry   *shell.Registry
	terminal   *handlers.Terminal
}

// New builds the development backend. A nil connector is chosen from
// cfg.ShellConnector.
func New(cfg *config.Config, connector shell.Connector) (*Server, error) {
	if connector == nil {
		var err error
		if connector, err = NewConnector(cfg); err != nil {
			return nil, err
		}
	}

	registry := shell.NewRegistry(cfg.SessionIdleTimeout)
	s := &Server{
		cfg:      cfg,
		registry: registry,
		terminal: &handlers.Terminal{
			Registry:    registry,
			Connector:   connector,
			Tokens:      handlers.NewTokens(handlers.DefaultTokenTTL),
			Preferences: cfg.ServerPreferences,
		},
	}

	s.setupRouter()

	return s, nil
}

// NewConnector returns the shell connector named by cfg.ShellConnector.
func NewConnector(cfg *config.Config) (shell.Connector, error) {
	switch cfg.ShellConnector {
	case "", "local":
		return &shell.LocalConnector{Shell: cfg.Shell}, nil
	case "kube":
		return shell.NewKubeConnector(cfg.Kubeconfig)
	default:
		return nil, fmt.Errorf("%w: unknown shell connector %q", config.ErrInvalid, cfg.ShellConnector)
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(s.registry))

	r.Route("/api/v1", func(r chi.Router) {
		// Bootstrap routes
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))
			r.Use(middleware.Auth(s.cfg.AuthToken))

			r.Get("/auth/token", handlers.Token(s.terminal.Tokens, handlers.NewTokenLimiter()))
			r.Get("/terminal/pod/{namespace}/{pod}/shell/{container}", handlers.Session(s.registry))
		})

		// Terminal streams authenticate with the handshake token or the bound session id.
		r.Get("/terminal/tty/{sessionId}", s.terminal.TTY)
		r.Handle("/terminal/sockjs/*", s.terminal.SockJS(sockjsPrefix))
	})

	s.router = r
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	log.Info().Msg("Closing terminal sessions")
	s.registry.Close()

	return nil
}
