// Package main implements dlrsim, a load and smoke-test client for the relay.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleet-relay/dlr/internal/logging"
	"github.com/fleet-relay/dlr/internal/sim"
)

var (
	configPath string
	targetURL  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "dlrsim",
	Short:         "Simulate drivers and subscribers against a running relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	driveSteps   int
	driveDrivers int
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Post random-walk positions for a fleet of drivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if driveDrivers > 0 {
			cfg.Fleet.Drivers = driveDrivers
		}

		logger := newLogger()
		fleet := sim.NewFleet(cfg, sim.WithFleetLogger(logger))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("driving", "target", cfg.Target.URL, "drivers", cfg.Fleet.Drivers, "interval", cfg.Fleet.Interval)
		if err := fleet.Run(ctx, driveSteps); err != nil {
			return err
		}
		sent, failed := fleet.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, failed %d\n", sent, failed)
		return nil
	},
}

var (
	watchDriver string
	watchSince  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to one driver over WebSocket and print every frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchDriver == "" {
			return fmt.Errorf("--driver is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var since *string
		if cmd.Flags().Changed("since") {
			since = &watchSince
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return sim.Watch(ctx, cfg.Target.URL, watchDriver, since, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to simulator YAML config")
	rootCmd.PersistentFlags().StringVar(&targetURL, "url", "", "relay base URL, overrides config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	driveCmd.Flags().IntVar(&driveSteps, "steps", 0, "steps per driver, 0 runs until interrupted")
	driveCmd.Flags().IntVar(&driveDrivers, "drivers", 0, "number of drivers, overrides config")

	watchCmd.Flags().StringVar(&watchDriver, "driver", "", "driver id to subscribe to")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "replay events recorded at or after this RFC 3339 timestamp")

	rootCmd.AddCommand(driveCmd, watchCmd)
}

func loadConfig() (*sim.Config, error) {
	cfg, err := sim.Load(configPath)
	if err != nil {
		return nil, err
	}
	if targetURL != "" {
		cfg.Target.URL = targetURL
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := logging.NewWithWriter(os.Stderr, level, "text")
	if err != nil {
		return slog.Default()
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
