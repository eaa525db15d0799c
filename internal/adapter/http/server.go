package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/engine"
)

// Engine is the cache engine surface served over HTTP.
type Engine interface {
	sharedobs.ReadinessChecker
	Query(ctx context.Context, q domain.CacheQuery) (*engine.Result, error)
	TopOff(ctx context.Context) (int, error)
	Cancel()
	Progress() domain.FetchProgress
	SubscribeProgress(fn func(domain.FetchProgress)) (unsubscribe func())
	Stats(ctx context.Context, scope string) (domain.CacheStats, error)
	ClearCache(ctx context.Context, scope string) (int, error)
	ClearStale(ctx context.Context, scope string) (int, error)
}

// Server exposes health, readiness, metrics, and the engine API.
type Server struct {
	httpServer *http.Server
	engine     Engine
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the operational routes and the
// /api/v1 engine routes.
func NewServer(addr string, eng Engine, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: eng,
		logger: logger,
	}

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(eng))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Post("/topoff", s.handleTopOff)
		r.Post("/cancel", s.handleCancel)
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/stream", s.handleProgressStream)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Delete("/", s.handleClearCache)
			r.Delete("/stale", s.handleClearStale)
		})
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
