package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scopewatch/scopewatch/internal/config"
	"github.com/scopewatch/scopewatch/internal/reconcile"
	"github.com/scopewatch/scopewatch/internal/store"
)

var (
	cleanupOrgID  string
	cleanupDryRun bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove users, apps and grants the directory no longer reports.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup(cmd)
	},
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupOrgID, "org", "", "reconcile only this organization")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be removed without deleting")
}

func runCleanup(cmd *cobra.Command) error {
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

	resp, err := newReconciler(st, cfg).Run(ctx, reconcile.Request{
		OrganizationID: cleanupOrgID,
		DryRun:         cleanupDryRun,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130, err: err, silent: true}
		}
		return &exitError{code: 1, err: err}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}

	for _, result := range resp.PerOrganizationResults {
		if result.Error != "" {
			return &exitError{code: 1, silent: true}
		}
	}
	return nil
}
