package cmd

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/client"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/internal/journal"
	"github.com/benchkit/meister/internal/orchestrator"
	"github.com/benchkit/meister/internal/toolgroup"
	"github.com/benchkit/meister/pkg/protocol"
)

func publishCmd() *cobra.Command {
	var argList string

	cmd := &cobra.Command{
		Use:   "publish <tool-group> <directory> <action>",
		Short: "Publish one driver action and await aggregate success",
		Long: "Publish sends one lifecycle action (init, start, stop, send, end, sysinfo)" +
			" to the tool data sink and every tool meister of the group, then waits for" +
			" each of them to report a client status. The exit status is 0 only when every" +
			" responder reported success.",
		Args: cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			groupName, directory, action := args[0], args[1], args[2]
			if !protocol.AllowedActions[action] || action == protocol.ActionTerminate {
				slog.Error("unrecognized action", "action", action)
				os.Exit(2)
			}
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}

			group, err := toolgroup.Load(cfg.RunRoot, groupName)
			if err != nil {
				slog.Error("failed to load tool group data", "group", groupName, "error", err)
				os.Exit(1)
			}
			if group.Empty() {
				// No tools registered: no tool meisters were started, so
				// there is nothing to publish to.
				return
			}

			ctx := context.Background()
			b, err := bus.NewRedis(ctx, cfg.Redis.Host, cfg.Redis.Port)
			if err != nil {
				slog.Error("unable to connect to the bus", "error", err)
				os.Exit(1)
			}
			defer b.Close()

			cl, err := client.New(ctx, b, orchestrator.Channel(groupName), len(group.Hostnames())+1)
			if err != nil {
				slog.Error("failed to create tool meister client", "error", err)
				os.Exit(1)
			}
			defer cl.Close()

			var actionArgs any
			if argList != "" {
				actionArgs = strings.Split(argList, ",")
			}
			ret := cl.Publish(ctx, groupName, directory, action, actionArgs)
			recordAction(cfg, directory, action, ret)
			os.Exit(ret)
		},
	}
	cmd.Flags().StringVar(&argList, "args", "", "comma-separated action arguments (e.g. sysinfo items)")
	return cmd
}

// recordAction appends the published action to the local run journal when
// the directory resolves to a known run.
func recordAction(cfg *config.Config, directory, action string, ret int) {
	runUUID := journal.FindRunUUID(directory)
	if runUUID == "" {
		return
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		slog.Debug("run journal unavailable", "error", err)
		return
	}
	defer j.Close()
	status := "success"
	if ret != 0 {
		status = "failure"
	}
	if err := j.RecordAction(runUUID, action, directory, status); err != nil {
		slog.Debug("failed to journal action", "error", err)
	}
}
