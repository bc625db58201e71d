package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var sinkAddr string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Attach to the tool data sink's live event feed",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}
			if sinkAddr == "" {
				sinkAddr = fmt.Sprintf("localhost:%d", cfg.Sink.Port)
			}
			url := fmt.Sprintf("ws://%s/events", sinkAddr)

			ctx := context.Background()
			conn, _, err := websocket.Dial(ctx, url, nil)
			if err != nil {
				slog.Error("failed to attach to event feed", "url", url, "error", err)
				os.Exit(1)
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			conn.SetReadLimit(1 << 20)

			for {
				_, payload, err := conn.Read(ctx)
				if err != nil {
					slog.Info("event feed closed", "error", err)
					return
				}
				fmt.Println(string(payload))
			}
		},
	}
	cmd.Flags().StringVar(&sinkAddr, "sink", "", "sink address host:port (default: localhost and the configured port)")
	return cmd
}
