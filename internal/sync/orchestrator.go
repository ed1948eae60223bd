package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/ratelimit"
	"github.com/scopewatch/scopewatch/internal/scopes"
	"github.com/scopewatch/scopewatch/internal/store"
)

var (
	// ErrSyncInProgress reports that another run holds the organization's
	// sync lock.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrCapacityExceeded reports that a tenant's grant volume is above the
	// per-run caps and the run was aborted before persisting partial data.
	ErrCapacityExceeded = errors.New("tenant exceeds run capacity")
)

// ClientFactory builds a vendor client for one run using the credentials
// stored on the sync job.
type ClientFactory func(ctx context.Context, org store.Organization, job store.SyncJob) (directory.Client, error)

// RelationsSink receives the second-stage payload. The orchestrator is its
// own default sink; deployments that split stages across services plug in an
// HTTP forwarder instead.
type RelationsSink interface {
	PersistRelations(ctx context.Context, payload RelationsPayload) error
}

// Config carries the batching and capacity knobs of the pipeline.
type Config struct {
	UserBatchMax, UserBatchMin int
	AppBatchMax, AppBatchMin   int
	EdgeBatchMax, EdgeBatchMin int
	InterBatchDelay            time.Duration
	MaxTokensInRun             int
	MaxAppsInRun               int
	MaxEdgesInRun              int
}

func (c *Config) applyDefaults() {
	if c.UserBatchMax <= 0 {
		c.UserBatchMax = 75
	}
	if c.UserBatchMin <= 0 {
		c.UserBatchMin = 15
	}
	if c.AppBatchMax <= 0 {
		c.AppBatchMax = 50
	}
	if c.AppBatchMin <= 0 {
		c.AppBatchMin = 10
	}
	if c.EdgeBatchMax <= 0 {
		c.EdgeBatchMax = 50
	}
	if c.EdgeBatchMin <= 0 {
		c.EdgeBatchMin = 15
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = 150 * time.Millisecond
	}
	if c.MaxTokensInRun <= 0 {
		c.MaxTokensInRun = 50000
	}
	if c.MaxAppsInRun <= 0 {
		c.MaxAppsInRun = 5000
	}
	if c.MaxEdgesInRun <= 0 {
		c.MaxEdgesInRun = 100000
	}
}

// Orchestrator runs the sync pipeline: connect, fetch users, fetch grants,
// group applications, persist, then hand the relationship graph to the sink.
type Orchestrator struct {
	Store    store.Store
	Clients  ClientFactory
	Monitor  *ratelimit.Monitor
	Reporter Reporter
	Sink     RelationsSink

	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(st store.Store, clients ClientFactory, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		Store:   st,
		Clients: clients,
		Monitor: ratelimit.NewMonitor(0),
		cfg:     cfg,
		sleep:   sleepWithContext,
	}
}

func (o *Orchestrator) reporter() Reporter {
	if o.Reporter != nil {
		return o.Reporter
	}
	return NopReporter{}
}

func (o *Orchestrator) sink() RelationsSink {
	if o.Sink != nil {
		return o.Sink
	}
	return o
}

// Run executes a full sync for the organization in req. It returns
// ErrSyncInProgress without touching any state when a concurrent run holds
// the lock. A failing relations stage does not fail the run: the job
// completes with a message noting the missing graph.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest) error {
	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		return errors.New("organization id is required")
	}

	release, acquired, err := o.Store.AcquireSyncLock(ctx, orgID)
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return ErrSyncInProgress
	}
	defer release()

	org, err := o.Store.GetOrganization(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		org, err = o.Store.UpsertOrganization(ctx, store.Organization{
			ID:     orgID,
			Name:   orgID,
			Vendor: store.Vendor(req.Vendor),
		})
	}
	if err != nil {
		return fmt.Errorf("load organization: %w", err)
	}

	apps, err := o.Store.ListApplications(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list applications: %w", err)
	}
	firstSync := len(apps) == 0

	job, err := o.loadOrCreateJob(ctx, orgID, req)
	if err != nil {
		return err
	}

	// A login for an organization whose inventory is already discovered only
	// refreshes the stored credentials. Scheduled and operator-initiated
	// resyncs set Force to run the full pipeline anyway.
	if !firstSync && !req.Force {
		message := "credentials updated, inventory already discovered"
		if err := o.Store.UpdateSyncJob(ctx, job.ID, store.JobCompleted, ProgressFor(StageCompleted), message); err != nil {
			return fmt.Errorf("complete credentials refresh: %w", err)
		}
		o.reporter().Report(Event{Source: orgID, Stage: StageCompleted, Message: message, Done: true})
		slog.Info("skipping pipeline for discovered organization", "org", orgID, "job", job.ID)
		return nil
	}

	vendor := string(org.Vendor)
	started := time.Now()
	runErr := o.run(ctx, org, job, firstSync)
	metrics.SyncDuration.WithLabelValues(vendor).Observe(time.Since(started).Seconds())
	if runErr != nil {
		metrics.SyncRunsTotal.WithLabelValues(vendor, "failed").Inc()
		return runErr
	}
	metrics.SyncRunsTotal.WithLabelValues(vendor, "completed").Inc()
	return nil
}

func (o *Orchestrator) loadOrCreateJob(ctx context.Context, orgID string, req StartRequest) (store.SyncJob, error) {
	if id := strings.TrimSpace(req.SyncJobID); id != "" {
		job, err := o.Store.GetSyncJob(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.SyncJob{}, fmt.Errorf("load sync job: %w", err)
		}
		// The caller minted the id; keep it so its status polls resolve.
		return o.Store.CreateSyncJob(ctx, store.SyncJob{
			ID:             id,
			OrganizationID: orgID,
			AccessToken:    req.AccessToken,
			RefreshToken:   req.RefreshToken,
		})
	}
	return o.Store.CreateSyncJob(ctx, store.SyncJob{
		OrganizationID: orgID,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
	})
}

func (o *Orchestrator) run(ctx context.Context, org store.Organization, job store.SyncJob, firstSync bool) error {
	fail := func(stage string, err error) error {
		message := err.Error()
		if errors.Is(err, directory.ErrAuthExpired) {
			message = "directory authorization expired, reconnect required"
		}
		if uerr := o.Store.UpdateSyncJob(ctx, job.ID, store.JobFailed, ProgressFor(StageFailed), message); uerr != nil {
			slog.Error("mark sync job failed", "job", job.ID, "err", uerr)
		}
		o.reporter().Report(Event{Source: org.ID, Stage: stage, Err: err})
		return fmt.Errorf("%s: %w", strings.ToLower(stage), err)
	}

	client, err := o.Clients(ctx, org, job)
	if err != nil {
		return fail(StageConnected, err)
	}
	if err := o.setStage(ctx, org.ID, job.ID, StageConnected, "connected to "+client.Vendor()); err != nil {
		return err
	}

	dirUsers, err := client.ListUsers(ctx)
	if err != nil {
		return fail(StageUsersFetched, err)
	}
	dbUsers, err := o.persistUsers(ctx, org.ID, dirUsers)
	if err != nil {
		return fail(StageUsersFetched, err)
	}
	if err := o.setStage(ctx, org.ID, job.ID, StageUsersFetched,
		fmt.Sprintf("fetched %d users", len(dirUsers))); err != nil {
		return err
	}

	grants, err := client.ListGrants(ctx, dirUsers)
	if err != nil {
		return fail(StageGrantsFetched, err)
	}
	if len(grants) > o.cfg.MaxTokensInRun {
		return fail(StageGrantsFetched,
			fmt.Errorf("%w: %d grants over the %d limit", ErrCapacityExceeded, len(grants), o.cfg.MaxTokensInRun))
	}
	if err := o.setStage(ctx, org.ID, job.ID, StageGrantsFetched,
		fmt.Sprintf("fetched %d grants", len(grants))); err != nil {
		return err
	}

	apps, relations := GroupGrants(grants)
	if len(apps) > o.cfg.MaxAppsInRun {
		return fail(StageApplicationsGrouped,
			fmt.Errorf("%w: %d applications over the %d limit", ErrCapacityExceeded, len(apps), o.cfg.MaxAppsInRun))
	}
	if len(relations) > o.cfg.MaxEdgesInRun {
		return fail(StageApplicationsGrouped,
			fmt.Errorf("%w: %d relations over the %d limit", ErrCapacityExceeded, len(relations), o.cfg.MaxEdgesInRun))
	}
	if err := o.setStage(ctx, org.ID, job.ID, StageApplicationsGrouped,
		fmt.Sprintf("grouped %d applications", len(apps))); err != nil {
		return err
	}

	persistedApps, err := o.persistApps(ctx, org.ID, apps)
	if err != nil {
		return fail(StageApplicationsPersisted, err)
	}
	if err := o.setStage(ctx, org.ID, job.ID, StageApplicationsPersisted,
		fmt.Sprintf("persisted %d applications", len(persistedApps))); err != nil {
		return err
	}

	appMap := make([]AppMapEntry, 0, len(persistedApps))
	for _, app := range persistedApps {
		appMap = append(appMap, AppMapEntry{AppName: app.Name, AppID: app.ID})
	}
	payload := RelationsPayload{
		OrganizationID:   org.ID,
		SyncJobID:        job.ID,
		UserAppRelations: relations,
		AppMap:           appMap,
	}

	if err := o.sink().PersistRelations(ctx, payload); err != nil {
		if errors.Is(err, directory.ErrAuthExpired) {
			return fail(StageRelationsPersisted, err)
		}
		// Users and applications are already durable. Finish the job and
		// surface the missing graph in the message instead of failing.
		slog.Warn("relations stage failed, completing without graph",
			"org", org.ID, "job", job.ID, "err", err)
		message := "completed without relationship graph: " + err.Error()
		if uerr := o.Store.UpdateSyncJob(ctx, job.ID, store.JobCompleted, ProgressFor(StageCompleted), message); uerr != nil {
			return fmt.Errorf("mark degraded completion: %w", uerr)
		}
		o.reporter().Report(Event{Source: org.ID, Stage: StageCompleted, Message: message, Done: true})
		return nil
	}

	if firstSync {
		slog.Info("initial sync complete",
			"org", org.ID, "users", len(dbUsers), "applications", len(persistedApps))
	}
	return nil
}

// PersistRelations runs the second pipeline stage: resolve names and emails
// to row ids, upsert the grant edges in batches, refresh per-application user
// counts and complete the job.
func (o *Orchestrator) PersistRelations(ctx context.Context, payload RelationsPayload) error {
	orgID := strings.TrimSpace(payload.OrganizationID)
	if orgID == "" {
		return errors.New("organization id is required")
	}
	if len(payload.UserAppRelations) > o.cfg.MaxEdgesInRun {
		return fmt.Errorf("%w: %d relations over the %d limit",
			ErrCapacityExceeded, len(payload.UserAppRelations), o.cfg.MaxEdgesInRun)
	}

	users, err := o.Store.ListUsers(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	byEmail := make(map[string]store.User, len(users))
	for _, u := range users {
		byEmail[strings.ToLower(u.Email)] = u
	}

	appIDs := make(map[string]string, len(payload.AppMap))
	for _, entry := range payload.AppMap {
		appIDs[entry.AppName] = entry.AppID
	}
	if missing := o.missingApps(payload, appIDs); missing {
		apps, err := o.Store.ListApplications(ctx, orgID)
		if err != nil {
			return fmt.Errorf("list applications: %w", err)
		}
		for _, app := range apps {
			if _, ok := appIDs[app.Name]; !ok {
				appIDs[app.Name] = app.ID
			}
		}
	}

	edges := make([]store.UserApplication, 0, len(payload.UserAppRelations))
	for _, rel := range payload.UserAppRelations {
		appID := appIDs[rel.AppName]
		if appID == "" {
			slog.Warn("relation references unknown application", "org", orgID, "app", rel.AppName)
			continue
		}
		user, ok := byEmail[strings.ToLower(strings.TrimSpace(rel.UserEmail))]
		if !ok {
			// Stage two can arrive before the user listing saw the account,
			// seen with freshly invited users. Create a minimal row.
			created, err := o.Store.UpsertUsers(ctx, orgID, []store.User{{
				VendorUserID:   rel.UserID,
				Email:          strings.TrimSpace(rel.UserEmail),
				AccountEnabled: true,
			}})
			if err != nil || len(created) == 0 {
				slog.Warn("skipping relation for unknown user", "org", orgID, "email", rel.UserEmail, "err", err)
				continue
			}
			user = created[0]
			byEmail[strings.ToLower(user.Email)] = user
		}
		edgeScopes := strings.Fields(rel.Token)
		if len(edgeScopes) == 0 {
			edgeScopes = []string{scopes.UnknownScope}
		}
		edges = append(edges, store.UserApplication{
			UserID:        user.ID,
			ApplicationID: appID,
			Scopes:        edgeScopes,
		})
	}

	if err := o.persistEdges(ctx, edges); err != nil {
		return err
	}
	if jobID := strings.TrimSpace(payload.SyncJobID); jobID != "" {
		if err := o.setStage(ctx, orgID, jobID, StageRelationsPersisted,
			fmt.Sprintf("persisted %d relations", len(edges))); err != nil {
			return err
		}
	}

	if err := o.refreshUserCounts(ctx, orgID); err != nil {
		slog.Warn("refresh application user counts", "org", orgID, "err", err)
	}

	if jobID := strings.TrimSpace(payload.SyncJobID); jobID != "" {
		if err := o.Store.UpdateSyncJob(ctx, jobID, store.JobCompleted, ProgressFor(StageCompleted), "sync completed"); err != nil {
			return fmt.Errorf("complete sync job: %w", err)
		}
		o.reporter().Report(Event{Source: orgID, Stage: StageCompleted, Done: true})
	}
	return nil
}

func (o *Orchestrator) missingApps(payload RelationsPayload, appIDs map[string]string) bool {
	for _, rel := range payload.UserAppRelations {
		if appIDs[rel.AppName] == "" {
			return true
		}
	}
	return false
}

func (o *Orchestrator) refreshUserCounts(ctx context.Context, orgID string) error {
	apps, err := o.Store.ListApplications(ctx, orgID)
	if err != nil {
		return err
	}
	edges, err := o.Store.ListUserApplications(ctx, orgID)
	if err != nil {
		return err
	}
	counts := make(map[string]int32, len(apps))
	for _, e := range edges {
		counts[e.ApplicationID]++
	}
	for _, app := range apps {
		count := counts[app.ID]
		if count == app.UserCount {
			continue
		}
		if err := o.Store.UpdateApplicationStats(ctx, app.ID, app.RiskLevel, app.TotalPermissions, app.AllScopes, count); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) setStage(ctx context.Context, orgID, jobID, stage, message string) error {
	if err := o.Store.UpdateSyncJob(ctx, jobID, store.JobInProgress, ProgressFor(stage), message); err != nil {
		return fmt.Errorf("update sync job at %s: %w", stage, err)
	}
	metrics.SyncStageTotal.WithLabelValues(stage).Inc()
	o.reporter().Report(Event{Source: orgID, Stage: stage, Message: message})
	return nil
}

func (o *Orchestrator) persistUsers(ctx context.Context, orgID string, dirUsers []directory.User) ([]store.User, error) {
	rows := make([]store.User, 0, len(dirUsers))
	for _, u := range dirUsers {
		if strings.TrimSpace(u.Email) == "" {
			continue
		}
		rows = append(rows, store.User{
			VendorUserID:   u.VendorUserID,
			Email:          u.Email,
			DisplayName:    u.DisplayName,
			JobTitle:       u.JobTitle,
			Department:     u.Department,
			AccountEnabled: u.AccountEnabled,
			Guest:          u.Guest,
		})
	}
	return runBatches(ctx, rows, func() int {
		return o.Monitor.BatchSize(o.cfg.UserBatchMin, o.cfg.UserBatchMax)
	}, o.cfg.InterBatchDelay, o.sleep, "user", func(batch []store.User) ([]store.User, error) {
		return o.Store.UpsertUsers(ctx, orgID, batch)
	})
}

func (o *Orchestrator) persistApps(ctx context.Context, orgID string, apps []store.Application) ([]store.Application, error) {
	return runBatches(ctx, apps, func() int {
		return o.Monitor.BatchSize(o.cfg.AppBatchMin, o.cfg.AppBatchMax)
	}, o.cfg.InterBatchDelay, o.sleep, "application", func(batch []store.Application) ([]store.Application, error) {
		return o.Store.UpsertApplications(ctx, orgID, batch)
	})
}

func (o *Orchestrator) persistEdges(ctx context.Context, edges []store.UserApplication) error {
	_, err := runBatches(ctx, edges, func() int {
		return o.Monitor.BatchSize(o.cfg.EdgeBatchMin, o.cfg.EdgeBatchMax)
	}, o.cfg.InterBatchDelay, o.sleep, "relation", func(batch []store.UserApplication) ([]struct{}, error) {
		if err := o.Store.UpsertUserApplications(ctx, batch); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// runBatches persists items in monitor-sized chunks with a pause between
// chunks. A failing chunk is logged and skipped so one bad row cannot sink a
// whole run; the batch error is only returned when nothing was persisted at
// all.
func runBatches[T any, R any](
	ctx context.Context,
	items []T,
	size func() int,
	delay time.Duration,
	sleep func(ctx context.Context, d time.Duration) error,
	entity string,
	persist func(batch []T) ([]R, error),
) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var (
		out      []R
		batches  int
		failures int
		lastErr  error
	)
	for start := 0; start < len(items); {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n := size()
		if n < 1 {
			n = 1
		}
		end := start + n
		if end > len(items) {
			end = len(items)
		}
		batches++

		results, err := persist(items[start:end])
		if err != nil {
			failures++
			lastErr = err
			metrics.SyncBatchFailuresTotal.WithLabelValues(entity).Inc()
			slog.Warn("batch persist failed, continuing",
				"entity", entity, "from", start, "to", end, "err", err)
		} else {
			out = append(out, results...)
		}

		start = end
		if start < len(items) && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return out, err
			}
		}
	}

	if failures == batches && lastErr != nil {
		return nil, fmt.Errorf("persist %ss: %w", entity, lastErr)
	}
	return out, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
