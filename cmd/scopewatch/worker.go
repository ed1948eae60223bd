package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scopewatch/scopewatch/internal/config"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/reconcile"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the background sync loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be > 0 to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	_, _ = metrics.StartServer(ctx, cfg.MetricsAddr)

	scheduler := &scopesync.Scheduler{
		Store:        st,
		Orchestrator: newOrchestrator(st, cfg),
		Interval:     cfg.SyncInterval,
		StaleAfter:   cfg.JobStaleAfter,
	}

	if cfg.CleanupInterval > 0 {
		go runPeriodicCleanup(ctx, newReconciler(st, cfg), cfg.CleanupInterval)
	}

	slog.Info("sync worker started", "interval", cfg.SyncInterval)
	if err := scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runPeriodicCleanup reconciles all organizations on its own interval, which
// is much longer than the sync interval.
func runPeriodicCleanup(ctx context.Context, job *reconcile.Job, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := job.Run(ctx, reconcile.Request{})
			if err != nil {
				slog.Error("scheduled cleanup failed", "err", err)
				continue
			}
			slog.Info("scheduled cleanup finished",
				"removed_users", resp.Summary.RemovedUsers,
				"removed_relationships", resp.Summary.RemovedRelationships,
				"removed_applications", resp.Summary.RemovedApplications)
		}
	}
}
