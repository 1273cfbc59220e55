// Package api exposes engagement sessions over HTTP. Browser event adapters
// report play/pause and visibility changes; operators inspect and reset
// verifications.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/engage/internal/session"
	"github.com/goodtune/engage/web"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	manager     *session.Manager
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, manager *session.Manager, logger zerolog.Logger) *Server {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 600 // Default: 600 requests per minute, 10 per second of watch
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		manager:     manager,
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware())
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
		// Preflight requests are answered by the CORS middleware
		s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	sessions := NewSessionHandler(s.manager, s.logger)
	s.router.HandleFunc("/api/sessions", sessions.List).Methods("GET")
	s.router.HandleFunc("/api/sessions", sessions.Start).Methods("POST")
	s.router.HandleFunc("/api/sessions/{token}", sessions.Get).Methods("GET")
	s.router.HandleFunc("/api/sessions/{token}", sessions.End).Methods("DELETE")
	s.router.HandleFunc("/api/sessions/{token}/playing", sessions.SetPlaying).Methods("PUT")
	s.router.HandleFunc("/api/sessions/{token}/visibility", sessions.SetVisibility).Methods("PUT")

	verifications := NewVerificationHandler(s.manager.Verifications(), s.logger)
	s.router.HandleFunc("/api/verifications", verifications.List).Methods("GET")
	s.router.HandleFunc("/api/verifications/{token}", verifications.Get).Methods("GET")
	s.router.HandleFunc("/api/verifications/{token}", verifications.Clear).Methods("DELETE")

	// Browser event adapter
	web.RegisterRoutes(s.router)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": len(s.manager.List()),
	})
}
