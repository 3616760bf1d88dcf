// Package server wires the jobtrail HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/jobtrail/internal/server/handlers"
	"github.com/3leaps/jobtrail/internal/server/middleware"
	"github.com/3leaps/jobtrail/pkg/workflow"
)

// Options configures a Server. A nil Manager serves only health and
// version routes.
type Options struct {
	Manager *workflow.Manager
	Updater handlers.ReportApplier
	Version string
	NBins   int
	Logger  *zap.Logger
	// Checkers are registered on the health manager by name.
	Checkers map[string]handlers.HealthChecker

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of a Manager.
type Server struct {
	host    string
	port    int
	opts    Options
	router  chi.Router
	health  *handlers.HealthManager
	logger  *zap.Logger
	httpSrv *http.Server
}

// New builds the router. Nothing listens until Start.
func New(host string, port int, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		host:   host,
		port:   port,
		opts:   opts,
		health: handlers.NewHealthManager(opts.Version),
		logger: opts.Logger,
	}
	for name, c := range opts.Checkers {
		s.health.RegisterChecker(name, c)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LiveHandler)
	r.Get("/health/ready", s.health.HealthHandler)
	r.Get("/version", s.versionHandler)

	if s.opts.Manager != nil {
		api := handlers.NewAPI(s.opts.Manager, handlers.APIOptions{
			Updater: s.opts.Updater,
			NBins:   s.opts.NBins,
			Logger:  s.logger,
		})
		r.Mount("/v1", api.Routes())
	}
	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", s.opts.Version)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
