// Package server exposes the HTTP surface: the WebSocket endpoint peers
// connect to, the REST metadata API, and the health and metrics endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/config"
	"github.com/stepseq/stepseq/internal/limits"
	"github.com/stepseq/stepseq/internal/session"
	"github.com/stepseq/stepseq/internal/store"
)

// Server wires the registry, admission control and the HTTP stack.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *session.Registry
	cold     *store.ColdStore

	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	httpServer   *http.Server
	shuttingDown atomic.Bool

	// Live connections, so shutdown can tear them down.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New builds a server around an existing registry.
func New(cfg *config.Config, logger zerolog.Logger, registry *session.Registry, cold *store.ColdStore) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		cold:     cold,
		guard: limits.NewResourceGuard(limits.GuardConfig{
			MaxConnections: cfg.MaxConnections,
			CPUThreshold:   cfg.CPURejectThreshold,
			MemoryLimit:    cfg.MemoryLimit,
		}, logger),
		conns: make(map[net.Conn]struct{}),
	}
	if cfg.ConnRateLimitEnabled {
		s.rateLimiter = limits.NewConnectionRateLimiter(limits.RateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
		}, logger)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Use(s.requireSessionID)
			r.Get("/", s.handleGetSession)
			r.Put("/", s.handlePutSession)
			r.Patch("/", s.handlePatchSession)
			r.Post("/remix", s.handleRemixSession)
			r.Post("/publish", s.handlePublishSession)
			r.Get("/ws", s.handleWebSocket)
		})
	})
	return r
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes live WebSockets and flushes
// every resident session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	s.registry.Shutdown(ctx)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.guard.Stop()
	return err
}

func (s *Server) trackConn(c net.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// requireSessionID rejects malformed session ids before any store access.
func (s *Server) requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "session id must be a UUID")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the originating IP, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
