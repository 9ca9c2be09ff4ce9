// Package server exposes render sessions over HTTP: a JSON API for
// mounting sessions and feeding them updates, an SSE stream of session
// events and the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/metrics"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/streaming"
	"github.com/rendis/mermend/internal/validation"
)

// maxBodyBytes caps request bodies. Diagram definitions are small; a
// streamed chat message is the largest thing a client sends.
const maxBodyBytes = 1 << 20

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Engine    *engine.Orchestrator
	Store     store.Store
	Hub       streaming.EventHub
	Metrics   *metrics.Metrics
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Server serves the session API.
type Server struct {
	deps Deps

	// done ends open SSE streams on shutdown.
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Server. Engine is required; Store, Hub and Metrics
// switch their routes off when nil.
func New(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Validator == nil {
		v, err := validation.New()
		if err != nil {
			return nil, fmt.Errorf("server: compile request schemas: %w", err)
		}
		deps.Validator = v
	}
	return &Server{deps: deps, done: make(chan struct{})}, nil
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions.
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/updates", s.handleUpdate)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/theme", s.handleTheme)
	mux.HandleFunc("POST /api/sessions/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)

	// Stateless.
	mux.HandleFunc("POST /api/repair", s.handleRepair)
	mux.HandleFunc("GET /api/renderers", s.handleRenderers)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// SSE streams.
	mux.HandleFunc("GET /sse/sessions/{id}", s.handleSSESession)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return s.logRequests(mux)
}

// logRequests logs one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.deps.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)))
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) closeStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}
