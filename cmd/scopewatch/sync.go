package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scopewatch/scopewatch/internal/config"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

var syncOrgID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-off sync pass using the credentials stored on each organization's latest job.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShotSync()
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncOrgID, "org", "", "sync only this organization")
}

func runOneShotSync() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	orchestrator := newOrchestrator(st, cfg)

	var syncErr error
	if orgID := strings.TrimSpace(syncOrgID); orgID != "" {
		syncErr = syncOne(ctx, st, orchestrator, orgID)
	} else {
		scheduler := &scopesync.Scheduler{
			Store:        st,
			Orchestrator: orchestrator,
			StaleAfter:   cfg.JobStaleAfter,
		}
		syncErr = scheduler.Tick(ctx)
	}

	if syncErr == nil {
		return nil
	}
	if errors.Is(syncErr, context.Canceled) {
		return &exitError{code: 130, err: syncErr, silent: true}
	}
	return &exitError{code: 1, err: syncErr}
}

func syncOne(ctx context.Context, st store.Store, orchestrator *scopesync.Orchestrator, orgID string) error {
	org, err := st.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load organization %s: %w", orgID, err)
	}
	job, err := st.LatestSyncJob(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("no stored credentials for organization %s: %w", org.ID, err)
	}
	return orchestrator.Run(ctx, scopesync.StartRequest{
		OrganizationID: org.ID,
		AccessToken:    job.AccessToken,
		RefreshToken:   job.RefreshToken,
		Vendor:         string(org.Vendor),
		Force:          true,
	})
}
