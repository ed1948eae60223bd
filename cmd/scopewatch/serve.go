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

	"github.com/spf13/cobra"

	"github.com/scopewatch/scopewatch/internal/config"
	"github.com/scopewatch/scopewatch/internal/httpapi"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, metrics endpoint and background sync loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	orchestrator := newOrchestrator(st, cfg)
	reconciler := newReconciler(st, cfg)

	scheduler := &scopesync.Scheduler{
		Store:        st,
		Orchestrator: orchestrator,
		Interval:     cfg.SyncInterval,
		StaleAfter:   cfg.JobStaleAfter,
	}
	go func() {
		_ = scheduler.Run(ctx)
	}()

	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)

	srv := httpapi.NewEchoServer(st, orchestrator, reconciler)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-metricsErr:
		return err
	}
}
