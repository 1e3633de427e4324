// Package api exposes the chat service over HTTP: a WebSocket endpoint
// for live conversations and a small REST surface for session
// administration.
//
// Endpoints:
//
//	GET  /ws/{session_id}?owner=                  live chat (upgrade)
//	GET  /ws?owner=                               live chat, server-generated id
//	GET  /api/sessions?owner=&limit=              list sessions, newest first
//	GET  /api/sessions/{id}/summary               summary fields + rating
//	POST /api/sessions/{id}/rating                rate 1-5, overwrite
//	POST /api/sessions/{id}/summary/regenerate    rebuild the summary
//	GET  /healthz                                 liveness
//	GET  /readyz                                  readiness (db ping)
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/store"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris-style clients.
	ReadHeaderTimeout = 10 * time.Second

	// IdleTimeout applies to keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// SessionStore is the persistence surface the REST handlers use.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SessionsByOwner(ctx context.Context, ownerID string, limit int) ([]store.Session, error)
	UpdateRating(ctx context.Context, id string, rating int, ratedAt time.Time) error
	Ping(ctx context.Context) error
}

// SummaryService regenerates summaries on demand.
type SummaryService interface {
	Regenerate(ctx context.Context, sessionID string) error
}

// Config contains everything the server needs.
type Config struct {
	Logger       *slog.Logger
	Store        SessionStore
	Orchestrator *chat.Orchestrator
	Summaries    SummaryService
}

// Server is the HTTP server for the chat service.
type Server struct {
	handler http.Handler
	logger  *slog.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Summaries == nil {
		return nil, errors.New("summary service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sh := &sessionHandler{store: cfg.Store, summaries: cfg.Summaries, logger: logger}
	wh := newWSHandler(cfg.Orchestrator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		health(w, r, logger)
	})
	mux.Handle("GET /readyz", readiness(cfg.Store, logger))

	mux.HandleFunc("GET /ws", wh.handle)
	mux.HandleFunc("GET /ws/{session_id}", wh.handle)

	mux.HandleFunc("GET /api/sessions", sh.list)
	mux.HandleFunc("GET /api/sessions/{id}/summary", sh.summary)
	mux.HandleFunc("POST /api/sessions/{id}/rating", sh.rate)
	mux.HandleFunc("POST /api/sessions/{id}/summary/regenerate", sh.regenerate)

	// Middleware order: recovery → request-id → logging → routes.
	// Request-id runs before logging so request_id appears in the logs.
	handler := chain(mux,
		recoveryMiddleware(logger),
		requestIDMiddleware(),
		loggingMiddleware(logger),
	)

	return &Server{handler: handler, logger: logger}, nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
		// No ReadTimeout/WriteTimeout: websocket connections are
		// long-lived and manage their own deadlines after the upgrade.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx) //nolint:wrapcheck // shutdown error is the result
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
