package main

import (
	"context"
	"fmt"

	"github.com/scopewatch/scopewatch/internal/config"
	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/directory/google"
	"github.com/scopewatch/scopewatch/internal/directory/msgraph"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
	"github.com/scopewatch/scopewatch/internal/reconcile"
	"github.com/scopewatch/scopewatch/internal/store"
	scopesync "github.com/scopewatch/scopewatch/internal/sync"
)

// newClientFactory builds vendor directory clients from the credentials the
// organization's latest sync job carries. All organizations on a vendor share
// one gate so concurrent syncs stay inside the per-minute request window.
func newClientFactory(cfg config.Config) scopesync.ClientFactory {
	googleGate := ratelimit.NewGate("google", cfg.RequestsPerMinute)
	msGate := ratelimit.NewGate("microsoft", cfg.RequestsPerMinute)

	return func(ctx context.Context, org store.Organization, job store.SyncJob) (directory.Client, error) {
		switch org.Vendor {
		case store.VendorMicrosoft:
			return msgraph.NewWithOptions(cfg.MSTenantID, cfg.MSClientID, cfg.MSClientSecret, msgraph.Options{
				Gate:    msGate,
				Workers: cfg.GrantWorkers,
			})
		case store.VendorGoogle, "":
			return google.NewClient(google.Credentials{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RefreshToken: job.RefreshToken,
				AccessToken:  job.AccessToken,
			}, google.Options{
				Gate:         googleGate,
				GrantWorkers: cfg.GrantWorkers,
			})
		default:
			return nil, fmt.Errorf("unsupported directory vendor %q for organization %s", org.Vendor, org.ID)
		}
	}
}

func newOrchestrator(st store.Store, cfg config.Config) *scopesync.Orchestrator {
	o := scopesync.NewOrchestrator(st, newClientFactory(cfg), scopesync.Config{
		UserBatchMax:    cfg.UserBatchMax,
		UserBatchMin:    cfg.UserBatchMin,
		AppBatchMax:     cfg.AppBatchMax,
		AppBatchMin:     cfg.AppBatchMin,
		EdgeBatchMax:    cfg.EdgeBatchMax,
		EdgeBatchMin:    cfg.EdgeBatchMin,
		InterBatchDelay: cfg.InterBatchDelay,
		MaxTokensInRun:  cfg.MaxTokensInRun,
		MaxAppsInRun:    cfg.MaxAppsInRun,
		MaxEdgesInRun:   cfg.MaxEdgesInRun,
	})
	o.Reporter = &scopesync.LogReporter{}
	if cfg.InternalBaseURL != "" {
		o.Sink = &scopesync.HTTPSink{BaseURL: cfg.InternalBaseURL}
	}
	return o
}

func newReconciler(st store.Store, cfg config.Config) *reconcile.Job {
	return reconcile.NewJob(st, reconcile.ClientFactory(newClientFactory(cfg)), reconcile.Config{
		EdgeBatch:            cfg.CleanupEdgeBatch,
		UserBatch:            cfg.CleanupUserBatch,
		SafetyRatio:          cfg.CleanupSafetyRatio,
		SuspiciousMinUsers:   cfg.SuspiciousMinUsers,
		SuspiciousOrgShare:   cfg.SuspiciousOrgRatio,
		SuspiciousSampleSize: cfg.SuspiciousSampleSize,
		SuspiciousValidRatio: cfg.SuspiciousLegitRatio,
	})
}
