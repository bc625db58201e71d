package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/orchestrator"
)

func startCmd() *cobra.Command {
	var runDir string
	var sshUser string
	var sshKey string

	cmd := &cobra.Command{
		Use:   "start <tool-group>",
		Short: "Bring up the bus, the tool data sink, and all tool meisters for a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(orchestrator.ExitBadArgs)
			}
			if runDir == "" {
				runDir = os.Getenv("MEISTER_RUN_DIR")
			}
			if runDir == "" {
				slog.Error("a benchmark run directory is required (--run-dir or MEISTER_RUN_DIR)")
				os.Exit(orchestrator.ExitBadArgs)
			}
			opts := orchestrator.StartOptions{
				Group:        args[0],
				RunDir:       runDir,
				FullHostname: fullHostname(),
				ConfigPath:   resolveConfigPath(),
				SSHUser:      sshUser,
				SSHKeyPath:   sshKey,
			}
			if exitErr := orchestrator.Start(context.Background(), cfg, opts); exitErr != nil {
				slog.Error("tool meister start failed", "error", exitErr)
				os.Exit(exitErr.Code)
			}
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "benchmark run directory")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "user for spawning remote tool meisters (default: current user)")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "private key for spawning remote tool meisters (default: ~/.ssh/id_rsa)")
	return cmd
}

func stopCmd() *cobra.Command {
	var runDir string
	var interrupt bool
	var sysinfoSpec string

	cmd := &cobra.Command{
		Use:   "stop <tool-group>",
		Short: "End persistent tools, collect sysinfo, and tear the run's control plane down",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(orchestrator.ExitBadArgs)
			}
			if runDir == "" {
				runDir = os.Getenv("MEISTER_RUN_DIR")
			}
			if runDir == "" {
				slog.Error("a benchmark run directory is required (--run-dir or MEISTER_RUN_DIR)")
				os.Exit(orchestrator.ExitBadArgs)
			}
			if sysinfoSpec == "" {
				sysinfoSpec = cfg.Sysinfo
			}
			opts := orchestrator.StopOptions{
				Group:        args[0],
				RunDir:       runDir,
				FullHostname: fullHostname(),
				Interrupt:    interrupt,
				Sysinfo:      sysinfoSpec,
			}
			if exitErr := orchestrator.Stop(context.Background(), cfg, opts); exitErr != nil {
				slog.Error("tool meister stop failed", "error", exitErr)
				os.Exit(exitErr.Code)
			}
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "benchmark run directory")
	cmd.Flags().BoolVar(&interrupt, "interrupt", false, "stop in response to an interrupt (skips sysinfo)")
	cmd.Flags().StringVar(&sysinfoSpec, "sysinfo", "", "system information set to collect (default from config)")
	return cmd
}
