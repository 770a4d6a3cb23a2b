package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleet-relay/dlr/internal/auth"
	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/relay"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer     *http.Server
	relay          relay.RelayPort
	hub            ConnectionPort
	drivers        DriverReadPort
	authMiddleware *auth.Middleware
	limiter        *rate.Limiter
	metricsHandler http.Handler
	originPatterns []string
	serverConfig   config.ServerConfig
	timing         config.TimingConfig
	logger         *slog.Logger
	version        string
	startTime      time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuth protects producer and read endpoints with m.
func WithAuth(m *auth.Middleware) Option {
	return func(s *Server) { s.authMiddleware = m }
}

// WithDrivers enables the driver directory endpoints.
func WithDrivers(d DriverReadPort) Option {
	return func(s *Server) { s.drivers = d }
}

// WithIngestLimit throttles POST /events. A zero rate disables the limiter.
func WithIngestLimit(cfg config.IngestConfig) Option {
	return func(s *Server) {
		if cfg.RatePerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		}
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns restricts WebSocket origins. Without patterns any
// origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new API server.
func NewServer(relayPort relay.RelayPort, hub ConnectionPort, serverConfig config.ServerConfig, timing config.TimingConfig, opts ...Option) *Server {
	s := &Server{
		relay:        relayPort,
		hub:          hub,
		serverConfig: serverConfig,
		timing:       timing,
		logger:       slog.Default(),
		version:      "dev",
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:              serverConfig.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: serverConfig.ReadHeaderTimeout,
		ReadTimeout:       serverConfig.ReadTimeout,
		WriteTimeout:      serverConfig.WriteTimeout,
		IdleTimeout:       serverConfig.IdleTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on addr and serves until Stop. An empty addr uses the
// configured one.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.httpServer.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.serverConfig.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
