package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/querygate/internal/engine"
	"github.com/seantiz/querygate/internal/health"
	"github.com/seantiz/querygate/internal/lifecycle"
	"github.com/seantiz/querygate/internal/store"
	"github.com/seantiz/querygate/internal/topology"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the components the server exposes.
type Deps struct {
	Store    store.Store
	Requests *lifecycle.Service
	Sync     *topology.Service
	Monitor  *health.Monitor
	Broker   *engine.LogBroker
	Logger   *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	requests *lifecycle.Service
	sync     *topology.Service
	monitor  *health.Monitor
	broker   *engine.LogBroker
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    d.Store,
		requests: d.Requests,
		sync:     d.Sync,
		monitor:  d.Monitor,
		broker:   d.Broker,
		logger:   d.Logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "X-Request-Id",
			headerPrincipal, headerRoles, headerReviewScope,
		},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	checks := s.monitor.Handler()
	s.router.Get("/live", checks.LiveEndpoint)
	s.router.Get("/ready", checks.ReadyEndpoint)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleGetHealth)
		r.Get("/stats", s.handleGetStats)

		r.Get("/instances", s.handleListInstances)
		r.Get("/instances/{id}", s.handleGetInstance)
		r.Get("/instances/{id}/databases", s.handleListDatabases)
		r.Post("/instances/{id}/sync", s.handleSyncInstance)
		r.Post("/sync", s.handleSyncAll)
		r.Get("/sync/runs", s.handleListSyncRuns)

		r.Get("/blacklist", s.handleListBlacklist)
		r.Post("/blacklist", s.handleAppendBlacklist)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.handleSubmitRequest)
			r.Get("/", s.handleListRequests)
			r.Get("/{id}", s.handleGetRequest)
			r.Post("/{id}/review", s.handleReviewRequest)
			r.Post("/{id}/clone", s.handleCloneRequest)
			r.Post("/{id}/execute", s.handleExecuteRequest)
			r.Post("/{id}/cancel", s.handleCancelRequest)
			r.Get("/{id}/output", s.handleStreamOutput)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"principal", r.Header.Get(headerPrincipal),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
