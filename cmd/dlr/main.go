// Package main implements the Driver Location Relay entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "dlr",
	Short:         "Driver Location Relay: fan driver positions out to subscribers",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Running dlr without a subcommand serves.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (default $DLR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&addrOverride, "addr", "", "listen address, overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
