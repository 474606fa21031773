// Package server exposes a harvest run over HTTP: a synchronous start
// endpoint, an SSE progress stream and an abort endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/config"
	"github.com/xkilldash9x/pdfharvest/internal/session"
)

// Runner is what the endpoints need from the harvest orchestrator.
type Runner interface {
	Run(ctx context.Context, req schemas.RunRequest) schemas.RunOutcome
	Abort()
	Session() *session.Context
}

// Server hosts the HTTP endpoints.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	runner     Runner
	httpServer *http.Server
}

// New creates a Server. It does not start listening.
func New(cfg config.ServerConfig, runner Runner, logger *zap.Logger) (*Server, error) {
	if runner == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize server with nil dependencies")
	}
	return &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		runner: runner,
	}, nil
}

// Router builds the HTTP handler. There is no timeout middleware because a
// start request lasts as long as the run.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	s.RegisterRoutes(r)
	return r
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then aborts any active run and shuts
// the HTTP server down within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server starting.", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down HTTP server...")

		if s.runner.Session().Busy() {
			s.logger.Info("Aborting active run before shutdown.")
			s.runner.Abort()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		s.logger.Info("HTTP server stopped.")
		return nil
	})

	return g.Wait()
}
