// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/gateway"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/store"
	"github.com/roomcast/roomcast/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the WebSocket chat server: connection registry, room
fan-out, presence tracking, and persistent message history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			if err := cfg.Validate(); err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("listen_addr", "", "websocket listen address")
	cmd.Flags().String("metrics_addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	cmd.Flags().String("log_format", "", "log format (json or text)")
	cmd.Flags().Int("history_limit", 0, "messages replayed on room join")

	return cmd
}

// runServe wires the service together and blocks until shutdown.
func runServe(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("roomcast", version, cfg.LogFormat)

	slog.Info("starting roomcast",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	defer pool.Close()

	st := store.NewStore(pool)
	verifier := auth.NewPostgresVerifier(pool)

	registry := core.NewRegistry()
	fanout := core.NewFanout(registry)
	service := core.NewService(registry, fanout, st, st,
		core.WithHistoryLimit(cfg.HistoryLimit))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool {
			return pool.Ping(ctx) == nil
		})
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors("observability", obsErrCh, cancel)
	}

	ws := gateway.NewServer(cfg.ListenAddr, service, verifier)
	wsErrCh := make(chan error, 1)
	go func() {
		wsErrCh <- ws.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("roomcast ready")

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-wsErrCh:
		if err != nil {
			errutil.LogError(slog.Default(), "websocket server failed", err)
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels the run context when a background server
// reports a fatal error.
func monitorServerErrors(name string, errCh <-chan error, cancel context.CancelFunc) {
	if err, ok := <-errCh; ok && err != nil {
		errutil.LogError(slog.With("server", name), "background server error", err)
		cancel()
	}
}
