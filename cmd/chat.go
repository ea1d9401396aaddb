package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskchat/internal/chatclient"
	"taskchat/internal/tui"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a terminal chat against a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			baseURL, _ := cmd.Flags().GetString("url")
			sessionID, _ := cmd.Flags().GetString("session")
			interval, _ := cmd.Flags().GetDuration("poll")

			client, err := chatclient.New(baseURL, chatclient.WithSession(sessionID))
			if err != nil {
				return err
			}
			fresh, _ := cmd.Flags().GetBool("new")
			if fresh {
				if _, err := client.OpenSession(ctx); err != nil {
					return err
				}
			}
			title := "Task chat (default session)"
			if id := client.SessionID(); id != "" {
				title = "Task chat (" + id + ")"
			}
			opts := []tui.Option{tui.WithPollInterval(interval), tui.WithTitle(title)}
			if sessionID != "" && !fresh {
				opts = append(opts, tui.WithResume())
			}

			// the UI owns the terminal while it runs
			slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
			err = tui.Run(ctx, client, opts...)
			slog.SetDefault(logger)
			return err
		},
	}
	cmd.Flags().String("url", "http://localhost:8080", "Gateway base URL")
	cmd.Flags().String("session", "", "Existing session id (default session when empty)")
	cmd.Flags().Bool("new", false, "Open a new session")
	cmd.Flags().Duration("poll", 2*time.Second, "Task status poll interval")
	return cmd
}
