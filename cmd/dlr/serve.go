package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleet-relay/dlr/internal/api"
	"github.com/fleet-relay/dlr/internal/audit"
	"github.com/fleet-relay/dlr/internal/auth"
	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/driver"
	"github.com/fleet-relay/dlr/internal/eventlog"
	"github.com/fleet-relay/dlr/internal/ingest/natsbus"
	"github.com/fleet-relay/dlr/internal/logging"
	"github.com/fleet-relay/dlr/internal/metrics"
	"github.com/fleet-relay/dlr/internal/notify"
	"github.com/fleet-relay/dlr/internal/relay"
	"github.com/fleet-relay/dlr/internal/room"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

var (
	configPath   string
	addrOverride string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Step 1: Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	// Step 2: Logging
	logger, logCloser, err := logging.New(cfg.Log, "dlr")
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)
	logger.Info("starting driver location relay", "version", Version)

	// Step 3: Event store, room registry and connection hub
	recorder := metrics.Recorder{}
	store := eventlog.NewStore(cfg.Store.MaxEvents)
	rooms := room.NewRegistry()
	hub := telemetry.NewHub(&cfg.Timing, rooms,
		telemetry.WithObserver(recorder),
		telemetry.WithLogger(logger.With("component", "hub")),
	)
	directory := driver.NewDirectory()

	// Step 4: Audit logger
	relayOpts := []relay.Option{
		relay.WithDirectory(directory),
		relay.WithMetrics(recorder),
		relay.WithLogger(logger.With("component", "relay")),
	}
	var closers []io.Closer
	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		closers = append(closers, auditLogger)
		relayOpts = append(relayOpts, relay.WithAuditLogger(auditLogger))
		logger.Info("audit logger initialized", "path", auditLogger.GetFilePath())
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// Step 5: Relay
	rl := relay.New(store, rooms, hub, relayOpts...)

	// Step 6: Producer authentication
	serverOpts := []api.Option{
		api.WithDrivers(directory),
		api.WithIngestLimit(cfg.Ingest),
		api.WithMetricsHandler(metrics.Handler()),
		api.WithLogger(logger.With("component", "api")),
		api.WithVersion(Version),
	}
	if cfg.Auth.Enabled() {
		verifier, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		serverOpts = append(serverOpts, api.WithAuth(auth.NewMiddleware(verifier, logger)))
		logger.Info("producer authentication enabled", "algorithm", cfg.Auth.Algorithm)
	} else {
		logger.Warn("producer authentication disabled")
	}

	// Step 7: NATS ingest
	var bus *natsbus.Subscriber
	if cfg.NATS.URL != "" {
		bus, err = natsbus.Connect(cfg.NATS, rl, []natsbus.Option{
			natsbus.WithLogger(logger.With("component", "natsbus")),
			natsbus.WithRejectRecorder(recorder),
		})
		if err != nil {
			return err
		}
		if err := bus.Start(); err != nil {
			_ = bus.Close()
			return err
		}
	}

	// Step 8: HTTP server
	server := api.NewServer(rl, hub, cfg.Server, cfg.Timing, serverOpts...)
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		if bus != nil {
			_ = bus.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(ln)
	})

	// Step 9: Startup notification
	notify.New(cfg.Notify, logger).StartedAsync(gctx, notify.Startup{
		Service:   "dlr",
		Version:   Version,
		Addr:      ln.Addr().String(),
		StartedAt: time.Now().UTC(),
	})

	// Step 10: Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Streams end first so the server is not held open by subscribers.
		hub.Stop()

		var errs []error
		if err := server.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
		if bus != nil {
			if err := bus.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped with error", "error", err)
		return err
	}
	logger.Info("relay shutdown complete")
	return nil
}
