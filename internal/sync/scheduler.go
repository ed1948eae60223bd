package sync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/scopewatch/scopewatch/internal/store"
)

// Scheduler re-syncs every connected organization on an interval and fails
// jobs that stopped making progress.
type Scheduler struct {
	Store        store.Store
	Orchestrator *Orchestrator
	Interval     time.Duration
	StaleAfter   time.Duration
	Workers      int
	Logger       *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is canceled, executing one pass immediately and then
// one per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if err := s.Tick(ctx); err != nil {
		s.logger().Error("scheduled sync pass failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger().Error("scheduled sync pass failed", "err", err)
			}
		}
	}
}

// Tick runs a single scheduler pass: reap stale jobs, then re-sync every
// organization that has stored credentials and no run in flight.
func (s *Scheduler) Tick(ctx context.Context) error {
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	reaped, err := s.Store.FailStaleSyncJobs(ctx, staleAfter)
	if err != nil {
		return err
	}
	if reaped > 0 {
		s.logger().Warn("failed stale sync jobs", "count", reaped)
	}

	orgs, err := s.Store.ListOrganizations(ctx)
	if err != nil {
		return err
	}

	type candidate struct {
		org store.Organization
		job store.SyncJob
	}
	var candidates []candidate
	for _, org := range orgs {
		job, err := s.Store.LatestSyncJob(ctx, org.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if job.Status == store.JobInProgress {
			continue
		}
		if strings.TrimSpace(job.RefreshToken) == "" {
			continue
		}
		candidates = append(candidates, candidate{org: org, job: job})
	}
	if len(candidates) == 0 {
		return nil
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	return ForEachOrg(ctx, candidates, workers, func(ctx context.Context, c candidate) error {
		err := s.Orchestrator.Run(ctx, StartRequest{
			OrganizationID: c.org.ID,
			RefreshToken:   c.job.RefreshToken,
			Vendor:         string(c.org.Vendor),
			Force:          true,
		})
		if errors.Is(err, ErrSyncInProgress) {
			return nil
		}
		if err != nil {
			s.logger().Error("scheduled sync failed", "org", c.org.ID, "err", err)
		}
		return err
	}, nil)
}
