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

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/events"
	"github.com/seantiz/opstrack/internal/operations"
	"github.com/seantiz/opstrack/internal/reconcile"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Reconciler is the on-demand side of the reconciliation trigger.
type Reconciler interface {
	Fire(ctx context.Context) (reconcile.Report, error)
	Last() *reconcile.LastPass
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	ops        *operations.Service
	broker     *events.Broker
	registry   *backend.Registry
	reconciler Reconciler
	logger     *slog.Logger
	addr       string
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Operations *operations.Service
	Broker     *events.Broker
	Backends   *backend.Registry
	Reconciler Reconciler
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		ops:        deps.Operations,
		broker:     deps.Broker,
		registry:   deps.Backends,
		reconciler: deps.Reconciler,
		logger:     logger.With("component", "api"),
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
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

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/backends/{kind}", s.handleGetBackend)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Post("/v1/machines/{machineID}", s.handleCreateOperation)

	s.router.Route("/v1/operations", func(r chi.Router) {
		r.Get("/", s.handleListOperations)
		r.Get("/{id}", s.handleGetOperation)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Post("/{id}/cancel", s.handleCancelOperation)
		r.Post("/{id}/terminate", s.handleTerminateOperation)
	})

	s.router.Route("/v1/reconcile", func(r chi.Router) {
		r.Post("/", s.handleReconcile)
		r.Get("/last", s.handleLastReconcile)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully.
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
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
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
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
