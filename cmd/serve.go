package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"taskchat/handler"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway as an HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx)
			if err != nil {
				fatal("invalid configuration", err)
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}
			h, err := buildHandler(ctx, cfg, handler.WithAccessLog())
			if err != nil {
				fatal("failed to build handler", err)
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           h.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      3 * time.Minute,
				IdleTimeout:       120 * time.Second,
			}

			go func() {
				slog.Info("server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fatal("server failed", err)
				}
			}()

			<-ctx.Done()
			stop()
			slog.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			slog.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String("port", "", "Port to listen on (overrides PORT)")
	return cmd
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run the chat gateway as an API Gateway Lambda function",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig(ctx)
			if err != nil {
				fatal("invalid configuration", err)
			}
			h, err := buildHandler(ctx, cfg)
			if err != nil {
				fatal("failed to build handler", err)
			}
			lambda.Start(h.Handle)
			return nil
		},
	}
}
