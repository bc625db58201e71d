package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/logrelay"
	"github.com/benchkit/meister/internal/meister"
	"github.com/benchkit/meister/internal/tracing"
	"github.com/benchkit/meister/pkg/protocol"
)

// Tool meister exit codes beyond the common 0/1/2.
const (
	tmExitBusConnect   = 4
	tmExitParams       = 5
	tmExitConstruct    = 8
	tmExitDisconnected = 9
	tmExitUnexpected   = 10
)

func tmCmd() *cobra.Command {
	var redisHost string
	var redisPort int
	var paramKey string
	var daemon bool

	cmd := &cobra.Command{
		Use:   "tm",
		Short: "Run the per-host tool meister process",
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
				parent, err := daemonize("tm")
				if err != nil {
					slog.Error("failed to daemonize", "error", err)
					os.Exit(1)
				}
				if parent {
					return
				}
				defer removePidFile("tm")
			}

			ctx := context.Background()
			b, err := bus.NewRedis(ctx, redisHost, redisPort)
			if err != nil {
				slog.Error("unable to construct bus client", "error", err)
				os.Exit(tmExitBusConnect)
			}
			defer b.Close()

			params, err := meister.FetchParams(ctx, b, paramKey)
			if err != nil {
				slog.Error("unable to fetch and decode parameter key", "key", paramKey, "error", err)
				os.Exit(tmExitParams)
			}

			// Relay warnings and errors back over the bus so the controller
			// sees remote tool meister trouble without collecting files.
			base := slog.Default().Handler()
			relay := logrelay.New(base, b, protocol.LoggingChannel(params.Channel), params.Hostname, slog.LevelWarn)
			slog.SetDefault(slog.New(relay))

			shutdown, err := tracing.Setup(ctx, cfg.Tracing, "meister-tm")
			if err != nil {
				slog.Warn("tracing setup failed", "error", err)
			} else {
				defer shutdown(ctx)
			}

			m, err := meister.New(ctx, cfg, b, params)
			if err != nil {
				slog.Error("unable to construct the tool meister", "error", err)
				os.Exit(tmExitConstruct)
			}
			if err := m.Run(ctx); err != nil {
				if errors.Is(err, bus.ErrDisconnected) {
					slog.Error("lost connection to the bus")
					os.Exit(tmExitDisconnected)
				}
				slog.Error("unexpected error encountered", "error", err)
				os.Exit(tmExitUnexpected)
			}
			if relay.Errors() > 0 {
				slog.Warn("log relay publish errors", "errors", relay.Errors())
			}
		},
	}
	cmd.Flags().StringVar(&redisHost, "redis-host", "", "bus host (default from config)")
	cmd.Flags().IntVar(&redisPort, "redis-port", 0, "bus port (default from config)")
	cmd.Flags().StringVar(&paramKey, "param-key", "", "bus key holding this tool meister's parameters")
	cmd.Flags().BoolVar(&daemon, "daemonize", false, "detach and run in the background")
	return cmd
}
