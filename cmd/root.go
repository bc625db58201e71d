// Package cmd wires the meister CLI: orchestration (start/stop), the
// long-running tool meister and tool data sink processes, the driver-facing
// publish command, and tool group management.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/benchkit/meister/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "meister",
	Short: "meister — distributed performance-tool orchestration",
	Long: "Meister coordinates performance tools across the hosts of a benchmark run:" +
		" a per-host tool meister drives registered tools through their lifecycle, a" +
		" central tool data sink collects their output, and a control bus carries the" +
		" driver's state transitions between them.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/meister/config.json5 or $MEISTER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(tmCmd())
	rootCmd.AddCommand(sinkCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meister %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("MEISTER_CONFIG"); v != "" {
		return v
	}
	return "/etc/meister/config.json5"
}

// setupLogging installs the default text logger at the level selected by
// --verbose.
func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// fullHostname resolves this host's name for liveness and tracking records.
func fullHostname() string {
	if v := os.Getenv("MEISTER_FULL_HOSTNAME"); v != "" {
		return v
	}
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
