// Package reconcile removes users, applications and grant edges that the
// vendor directory no longer reports as active members, including guest and
// disabled accounts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/metrics"
	"github.com/scopewatch/scopewatch/internal/scopes"
	"github.com/scopewatch/scopewatch/internal/store"
)

// ErrSafetyThreshold reports that a pass wanted to delete more of an
// organization than the configured ratio allows. Nothing is deleted when this
// fires: a wholesale disappearance usually means a bad listing, not a real
// offboarding wave.
var ErrSafetyThreshold = errors.New("reconcile: deletion volume over safety threshold")

// ClientFactory builds a vendor client from the credentials stored on the
// organization's most recent sync job.
type ClientFactory func(ctx context.Context, org store.Organization, job store.SyncJob) (directory.Client, error)

type Config struct {
	EdgeBatch int
	UserBatch int
	// SafetyRatio is the maximum share of an organization's users a single
	// pass may delete.
	SafetyRatio float64
	// An application losing at least max(SuspiciousMinUsers,
	// SuspiciousOrgShare of the org) edges gets its removals spot-checked.
	SuspiciousMinUsers   int
	SuspiciousOrgShare   float64
	SuspiciousSampleSize int
	// SuspiciousValidRatio is the share of sampled edges that must still be
	// held for the app's removals to be skipped as a listing glitch.
	SuspiciousValidRatio float64
}

func (c *Config) applyDefaults() {
	if c.EdgeBatch <= 0 {
		c.EdgeBatch = 200
	}
	if c.UserBatch <= 0 {
		c.UserBatch = 50
	}
	if c.SafetyRatio <= 0 || c.SafetyRatio > 1 {
		c.SafetyRatio = 0.9
	}
	if c.SuspiciousMinUsers <= 0 {
		c.SuspiciousMinUsers = 20
	}
	if c.SuspiciousOrgShare <= 0 || c.SuspiciousOrgShare > 1 {
		c.SuspiciousOrgShare = 0.5
	}
	if c.SuspiciousSampleSize <= 0 {
		c.SuspiciousSampleSize = 5
	}
	if c.SuspiciousValidRatio <= 0 || c.SuspiciousValidRatio > 1 {
		c.SuspiciousValidRatio = 0.3
	}
}

// Request selects what a cleanup pass covers. An empty OrganizationID means
// every organization.
type Request struct {
	OrganizationID string `json:"organizationId,omitempty"`
	DryRun         bool   `json:"dryRun"`
}

// Summary counts what a pass removed. GuestUsers and DisabledUsers break out
// how many of the removed accounts the directory still listed as guest or
// disabled.
type Summary struct {
	RemovedUsers         int `json:"removedUsers"`
	RemovedRelationships int `json:"removedRelationships"`
	RemovedApplications  int `json:"removedApplications"`
	GuestUsers           int `json:"guestUsers"`
	DisabledUsers        int `json:"disabledUsers"`
}

func (s *Summary) add(other Summary) {
	s.RemovedUsers += other.RemovedUsers
	s.RemovedRelationships += other.RemovedRelationships
	s.RemovedApplications += other.RemovedApplications
	s.GuestUsers += other.GuestUsers
	s.DisabledUsers += other.DisabledUsers
}

// Result is the outcome for one organization.
type Result struct {
	OrganizationID string  `json:"organizationId"`
	Summary        Summary `json:"summary"`
	DryRun         bool    `json:"dryRun"`
	Error          string  `json:"error,omitempty"`
}

// Response is the full cleanup outcome.
type Response struct {
	Summary                Summary  `json:"summary"`
	PerOrganizationResults []Result `json:"perOrganizationResults"`
}

// Job runs reconciliation passes.
type Job struct {
	Store   store.Store
	Clients ClientFactory
	cfg     Config
}

func NewJob(st store.Store, clients ClientFactory, cfg Config) *Job {
	cfg.applyDefaults()
	return &Job{Store: st, Clients: clients, cfg: cfg}
}

// Run reconciles the requested organizations. Per-organization failures land
// in that organization's result instead of aborting the whole pass.
func (j *Job) Run(ctx context.Context, req Request) (Response, error) {
	var orgs []store.Organization
	if id := strings.TrimSpace(req.OrganizationID); id != "" {
		org, err := j.Store.GetOrganization(ctx, id)
		if err != nil {
			return Response{}, fmt.Errorf("load organization: %w", err)
		}
		orgs = []store.Organization{org}
	} else {
		var err error
		orgs, err = j.Store.ListOrganizations(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("list organizations: %w", err)
		}
	}

	resp := Response{PerOrganizationResults: make([]Result, 0, len(orgs))}
	for _, org := range orgs {
		result := Result{OrganizationID: org.ID, DryRun: req.DryRun}
		summary, err := j.reconcileOrg(ctx, org, req.DryRun)
		if err != nil {
			result.Error = err.Error()
			slog.Error("reconcile organization", "org", org.ID, "err", err)
		}
		result.Summary = summary
		resp.Summary.add(summary)
		resp.PerOrganizationResults = append(resp.PerOrganizationResults, result)
	}
	return resp, nil
}

// plan is the deletion set computed from the directory snapshot.
type plan struct {
	edgeIDs   []string
	userIDs   []string
	appIDs    []string
	surviving map[string][]store.UserApplication // appID -> surviving edges
	guests    int
	disabled  int
}

func (j *Job) reconcileOrg(ctx context.Context, org store.Organization, dryRun bool) (Summary, error) {
	job, err := j.Store.LatestSyncJob(ctx, org.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Summary{}, errors.New("no sync job with stored credentials")
	}
	if err != nil {
		return Summary{}, err
	}
	client, err := j.Clients(ctx, org, job)
	if err != nil {
		return Summary{}, fmt.Errorf("build directory client: %w", err)
	}

	p, err := j.buildPlan(ctx, org, client)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		RemovedUsers:         len(p.userIDs),
		RemovedRelationships: len(p.edgeIDs),
		RemovedApplications:  len(p.appIDs),
		GuestUsers:           p.guests,
		DisabledUsers:        p.disabled,
	}
	if dryRun {
		return summary, nil
	}

	if err := deleteInBatches(ctx, p.edgeIDs, j.cfg.EdgeBatch, j.Store.DeleteUserApplications); err != nil {
		return Summary{}, fmt.Errorf("delete relations: %w", err)
	}
	metrics.ReconcileDeletionsTotal.WithLabelValues("relation").Add(float64(len(p.edgeIDs)))

	if err := deleteInBatches(ctx, p.userIDs, j.cfg.UserBatch, j.Store.DeleteUsers); err != nil {
		return Summary{}, fmt.Errorf("delete users: %w", err)
	}
	metrics.ReconcileDeletionsTotal.WithLabelValues("user").Add(float64(len(p.userIDs)))

	if err := j.Store.DeleteApplications(ctx, p.appIDs); err != nil {
		return Summary{}, fmt.Errorf("delete applications: %w", err)
	}
	metrics.ReconcileDeletionsTotal.WithLabelValues("application").Add(float64(len(p.appIDs)))

	if err := j.restateApps(ctx, p); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func (j *Job) buildPlan(ctx context.Context, org store.Organization, client directory.Client) (*plan, error) {
	dirUsers, err := client.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list directory users: %w", err)
	}
	liveEmails := make(map[string]directory.User, len(dirUsers))
	for _, u := range dirUsers {
		liveEmails[strings.ToLower(strings.TrimSpace(u.Email))] = u
	}

	dbUsers, err := j.Store.ListUsers(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored users: %w", err)
	}

	p := &plan{surviving: make(map[string][]store.UserApplication)}
	deadUserIDs := make(map[string]bool)
	for _, u := range dbUsers {
		live, ok := liveEmails[strings.ToLower(u.Email)]
		if !ok {
			p.userIDs = append(p.userIDs, u.ID)
			deadUserIDs[u.ID] = true
			continue
		}
		// Guest and disabled accounts are not active members. They are pruned
		// along with departed users, under the same safety threshold.
		if live.Guest || !live.AccountEnabled {
			if live.Guest {
				p.guests++
			}
			if !live.AccountEnabled {
				p.disabled++
			}
			p.userIDs = append(p.userIDs, u.ID)
			deadUserIDs[u.ID] = true
		}
	}

	if len(dbUsers) > 0 {
		limit := int(j.cfg.SafetyRatio * float64(len(dbUsers)))
		if len(p.userIDs) > limit {
			metrics.ReconcileAbortsTotal.WithLabelValues("user_threshold").Inc()
			return nil, fmt.Errorf("%w: would delete %d of %d users",
				ErrSafetyThreshold, len(p.userIDs), len(dbUsers))
		}
	}

	grants, err := client.ListGrants(ctx, dirUsers)
	if err != nil {
		return nil, fmt.Errorf("list directory grants: %w", err)
	}
	liveEdges := make(map[string]bool, len(grants))
	for _, g := range grants {
		name := strings.TrimSpace(g.AppDisplayName)
		if name == "" {
			name = strings.TrimSpace(g.ClientID)
		}
		liveEdges[edgeKey(g.UserEmail, name)] = true
	}

	apps, err := j.Store.ListApplications(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored applications: %w", err)
	}
	appByID := make(map[string]store.Application, len(apps))
	liveAppNames := make(map[string]bool)
	for _, app := range apps {
		appByID[app.ID] = app
	}
	for _, g := range grants {
		name := strings.TrimSpace(g.AppDisplayName)
		if name == "" {
			name = strings.TrimSpace(g.ClientID)
		}
		liveAppNames[name] = true
	}

	edges, err := j.Store.ListUserApplications(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored relations: %w", err)
	}
	emailByUserID := make(map[string]store.User, len(dbUsers))
	for _, u := range dbUsers {
		emailByUserID[u.ID] = u
	}

	doomedByApp := make(map[string][]store.UserApplication)
	for _, e := range edges {
		user, ok := emailByUserID[e.UserID]
		app, appOK := appByID[e.ApplicationID]
		if !appOK {
			continue
		}
		if !ok || deadUserIDs[e.UserID] || !liveEdges[edgeKey(user.Email, app.Name)] {
			doomedByApp[e.ApplicationID] = append(doomedByApp[e.ApplicationID], e)
			continue
		}
		p.surviving[e.ApplicationID] = append(p.surviving[e.ApplicationID], e)
	}

	// Spot-check apps losing an implausible share of the organization before
	// trusting the listing.
	threshold := j.cfg.SuspiciousMinUsers
	if share := int(j.cfg.SuspiciousOrgShare * float64(len(dbUsers))); share > threshold {
		threshold = share
	}
	for appID, doomed := range doomedByApp {
		app := appByID[appID]
		if len(doomed) >= threshold && j.edgesStillHeld(ctx, client, app, doomed, emailByUserID) {
			slog.Warn("skipping suspicious mass removal",
				"org", org.ID, "app", app.Name, "edges", len(doomed))
			metrics.ReconcileAbortsTotal.WithLabelValues("suspicious_app").Inc()
			p.surviving[appID] = append(p.surviving[appID], doomed...)
			continue
		}
		for _, e := range doomed {
			p.edgeIDs = append(p.edgeIDs, e.ID)
		}
	}

	for _, app := range apps {
		if len(p.surviving[app.ID]) == 0 && !liveAppNames[app.Name] {
			p.appIDs = append(p.appIDs, app.ID)
		}
	}
	return p, nil
}

// edgesStillHeld samples the doomed edges and asks the vendor whether the
// grants are in fact still present. True means the mass removal looks like a
// listing glitch.
func (j *Job) edgesStillHeld(ctx context.Context, client directory.Client, app store.Application, doomed []store.UserApplication, users map[string]store.User) bool {
	verifier, ok := client.(directory.AssignmentVerifier)
	if !ok || strings.TrimSpace(app.VendorClientID) == "" {
		return false
	}

	sample := len(doomed)
	if sample > j.cfg.SuspiciousSampleSize {
		sample = j.cfg.SuspiciousSampleSize
	}
	held := 0
	for _, e := range doomed[:sample] {
		user, ok := users[e.UserID]
		if !ok {
			continue
		}
		key := user.VendorUserID
		if key == "" {
			key = user.Email
		}
		stillHeld, err := verifier.VerifyAssignment(ctx, key, app.VendorClientID)
		if err != nil {
			slog.Warn("assignment verification failed", "app", app.Name, "err", err)
			continue
		}
		if stillHeld {
			held++
		}
	}
	return float64(held) >= j.cfg.SuspiciousValidRatio*float64(sample)
}

// restateApps recomputes scope sets, risk and user counts of surviving apps
// from their surviving edges. Reconciliation is the one path allowed to
// shrink a scope set.
func (j *Job) restateApps(ctx context.Context, p *plan) error {
	removed := make(map[string]bool, len(p.appIDs))
	for _, id := range p.appIDs {
		removed[id] = true
	}
	for appID, edges := range p.surviving {
		if removed[appID] {
			continue
		}
		union := make(map[string]struct{})
		for _, e := range edges {
			for _, s := range e.Scopes {
				union[s] = struct{}{}
			}
		}
		scopeSet := make([]string, 0, len(union))
		for s := range union {
			scopeSet = append(scopeSet, s)
		}
		sort.Strings(scopeSet)
		err := j.Store.UpdateApplicationStats(ctx, appID,
			scopes.Classify(scopeSet), int32(len(scopeSet)), scopeSet, int32(len(edges)))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("restate application %s: %w", appID, err)
		}
	}
	return nil
}

func deleteInBatches(ctx context.Context, ids []string, batch int, del func(ctx context.Context, ids []string) error) error {
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		if err := del(ctx, ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func edgeKey(email, appName string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "\x00" + appName
}

