package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/journal"
)

func runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-uuid]",
		Short: "Show the local run journal",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				slog.Error("failed to open run journal", "error", err)
				os.Exit(1)
			}
			defer j.Close()

			if len(args) == 1 {
				recs, err := j.Actions(args[0])
				if err != nil {
					slog.Error("failed to list actions", "error", err)
					os.Exit(1)
				}
				for _, rec := range recs {
					fmt.Printf("%s  %-9s %-8s %s\n",
						rec.At.Format("2006-01-02 15:04:05"), rec.Action, rec.Status, rec.Directory)
				}
				return
			}

			runs, err := j.Runs(limit)
			if err != nil {
				slog.Error("failed to list runs", "error", err)
				os.Exit(1)
			}
			for _, r := range runs {
				ended := "running"
				if r.EndedAt != nil {
					ended = r.EndedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%s  %-12s %s → %s  %s\n",
					r.UUID, r.Group, r.StartedAt.Format("2006-01-02 15:04:05"), ended, r.RunDir)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}
