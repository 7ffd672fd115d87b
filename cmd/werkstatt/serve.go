package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/werkstatt/internal/api"
	"github.com/p-arndt/werkstatt/internal/orchestrator"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			if cfg.APIKey == "" {
				logger.Warn("no API key configured, running in open access mode")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			orch, err := orchestrator.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("runtime backend selected", "mode", orch.Mode())

			if err := orch.Start(ctx); err != nil {
				shutdown(orch, logger)
				return fmt.Errorf("start: %w", err)
			}

			go func() {
				for ev := range orch.Events() {
					logger.Debug("event", "kind", ev.Kind, "owner_id", ev.OwnerID, "thread_id", ev.ThreadID, "sandbox_id", ev.SandboxID)
				}
			}()

			srv := api.NewServer(cfg, orch, logger)
			httpServer := &http.Server{
				Addr:         cfg.Listen,
				Handler:      srv.Handler(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 5 * time.Minute, // sandbox creation and marker waits can be long
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.Listen)
				fmt.Fprintf(os.Stderr, "\n  werkstatt ready at http://%s\n\n", cfg.Listen)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down...")
			case err = <-errCh:
				logger.Error("server error", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
			shutdown(orch, logger)
			return err
		},
	}
}

func shutdown(orch *orchestrator.Orchestrator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown", "error", err)
	}
}
