package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/sink"
	"github.com/benchkit/meister/internal/tracing"
)

// Tool data sink exit codes beyond the common 0/1/2.
const (
	sinkExitBusConnect = 3
	sinkExitParams     = 5
)

func sinkCmd() *cobra.Command {
	var redisHost string
	var redisPort int
	var paramKey string
	var daemon bool

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run the central tool data sink process",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}
			if paramKey == "" {
				slog.Error("a parameter key is required (--param-key)")
				os.Exit(2)
			}
			if redisHost == "" {
				redisHost = cfg.Redis.Host
			}
			if redisPort == 0 {
				redisPort = cfg.Redis.Port
			}

			if daemon {
				parent, err := daemonize("sink")
				if err != nil {
					slog.Error("failed to daemonize", "error", err)
					os.Exit(1)
				}
				if parent {
					return
				}
				defer removePidFile("sink")
			}

			ctx := context.Background()
			b, err := bus.NewRedis(ctx, redisHost, redisPort)
			if err != nil {
				slog.Error("unable to connect to the bus", "error", err)
				os.Exit(sinkExitBusConnect)
			}
			defer b.Close()

			params, err := sink.FetchParams(ctx, b, paramKey)
			if err != nil {
				slog.Error("unable to fetch and decode parameter key", "key", paramKey, "error", err)
				os.Exit(sinkExitParams)
			}

			shutdown, err := tracing.Setup(ctx, cfg.Tracing, "meister-sink")
			if err != nil {
				slog.Warn("tracing setup failed", "error", err)
			} else {
				defer shutdown(ctx)
			}

			s, err := sink.New(ctx, cfg, b, params, fullHostname())
			if err != nil {
				slog.Error("failed to start the tool data sink", "error", err)
				os.Exit(1)
			}
			if err := s.Run(ctx); err != nil {
				slog.Error("tool data sink failed", "error", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&redisHost, "redis-host", "", "bus host (default from config)")
	cmd.Flags().IntVar(&redisPort, "redis-port", 0, "bus port (default from config)")
	cmd.Flags().StringVar(&paramKey, "param-key", "", "bus key holding the sink's parameters")
	cmd.Flags().BoolVar(&daemon, "daemonize", false, "detach and run in the background")
	return cmd
}
