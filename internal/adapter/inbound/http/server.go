package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound adapter that exposes admission checks over HTTP.
type Server struct {
	checker         AccessChecker
	server          *http.Server
	addr            string
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	adminHandler    http.Handler // Optional admin API
	registry        *prometheus.Registry
	metrics         *Metrics
	healthChecker   *HealthChecker
	failures        ErrorRecorder
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdminHandler mounts the admin API under /admin/.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithErrorRecorder counts admission checks that fail with an internal error.
func WithErrorRecorder(r ErrorRecorder) Option {
	return func(s *Server) {
		s.failures = r
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates the HTTP adapter around checker.
func NewServer(checker AccessChecker, opts ...Option) *Server {
	s := &Server{
		checker:         checker,
		addr:            "127.0.0.1:8080",
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
		registry:        prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)
	return s
}

// Metrics returns the metrics recorded by the server.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	// Middleware order (outermost first):
	// 1. MetricsMiddleware - Record duration and status (MUST be outermost to capture full duration)
	// 2. RequestID - Extract/generate request ID and enrich logger
	// 3. RealIP - Extract client IP from X-Forwarded-For
	// 4. Handler - admission check
	admission := admissionHandler(s.checker, s.metrics, s.failures)
	admission = RealIPMiddleware(admission)
	admission = RequestIDMiddleware(s.logger)(admission)
	admission = MetricsMiddleware(s.metrics)(admission)

	mux := http.NewServeMux()
	if s.adminHandler != nil {
		mux.Handle("/admin/", s.adminHandler)
	}
	if s.healthChecker != nil {
		mux.Handle("/health", s.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/", admission)
	return mux
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
