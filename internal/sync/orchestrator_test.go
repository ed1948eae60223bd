package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/store"
)

type fakeClient struct {
	vendor    string
	users     []directory.User
	grants    []directory.RawGrant
	usersErr  error
	grantsErr error
}

func (c *fakeClient) Vendor() string { return c.vendor }

func (c *fakeClient) ListUsers(context.Context) ([]directory.User, error) {
	return c.users, c.usersErr
}

func (c *fakeClient) ListGrants(context.Context, []directory.User) ([]directory.RawGrant, error) {
	return c.grants, c.grantsErr
}

func newTestOrchestrator(st store.Store, client directory.Client, cfg Config) *Orchestrator {
	o := NewOrchestrator(st, func(context.Context, store.Organization, store.SyncJob) (directory.Client, error) {
		return client, nil
	}, cfg)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func testUsers() []directory.User {
	return []directory.User{
		{VendorUserID: "u1", Email: "ann@acme.io", DisplayName: "Ann", AccountEnabled: true},
		{VendorUserID: "u2", Email: "bob@acme.io", DisplayName: "Bob", AccountEnabled: true, Guest: true},
	}
}

func testGrants() []directory.RawGrant {
	return []directory.RawGrant{
		{Vendor: "google", ClientID: "slack.com", AppDisplayName: "Slack", UserID: "u1", UserEmail: "ann@acme.io", Scopes: []string{"openid", "email"}},
		{Vendor: "google", ClientID: "slack.com", AppDisplayName: "Slack", UserID: "u2", UserEmail: "bob@acme.io", ScopeString: "openid https://www.googleapis.com/auth/gmail.readonly"},
		{Vendor: "google", ClientID: "x1", AppDisplayName: "Mystery", UserID: "u1", UserEmail: "ann@acme.io"},
	}
}

func TestRunPersistsFullPipeline(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	o := newTestOrchestrator(st, &fakeClient{vendor: "google", users: testUsers(), grants: testGrants()}, Config{})
	ctx := context.Background()

	err := o.Run(ctx, StartRequest{OrganizationID: "org-1", RefreshToken: "rt", Vendor: "google"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := st.LatestSyncJob(ctx, "org-1")
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if job.Status != store.JobCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want COMPLETED/100", job.Status, job.Progress)
	}

	users, _ := st.ListUsers(ctx, "org-1")
	if len(users) != 2 {
		t.Fatalf("persisted %d users, want 2", len(users))
	}

	apps, _ := st.ListApplications(ctx, "org-1")
	if len(apps) != 2 {
		t.Fatalf("persisted %d applications, want 2", len(apps))
	}
	var slack, mystery store.Application
	for _, app := range apps {
		switch app.Name {
		case "Slack":
			slack = app
		case "Mystery":
			mystery = app
		}
	}
	if slack.RiskLevel != "HIGH" {
		t.Fatalf("slack risk = %s, want HIGH for the gmail scope", slack.RiskLevel)
	}
	if slack.UserCount != 2 || slack.TotalPermissions != 3 {
		t.Fatalf("slack stats = users %d perms %d", slack.UserCount, slack.TotalPermissions)
	}
	if slack.Category != "Communication" {
		t.Fatalf("slack category = %s", slack.Category)
	}
	if len(mystery.AllScopes) != 1 || mystery.AllScopes[0] != "unknown_scope" {
		t.Fatalf("scopeless app scopes = %v", mystery.AllScopes)
	}

	edges, _ := st.ListUserApplications(ctx, "org-1")
	if len(edges) != 3 {
		t.Fatalf("persisted %d edges, want 3", len(edges))
	}
}

func TestRunMergesScopesAcrossRuns(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	first := &fakeClient{vendor: "google", users: testUsers(), grants: []directory.RawGrant{
		{AppDisplayName: "Slack", UserID: "u1", UserEmail: "ann@acme.io", Scopes: []string{"openid"}},
	}}
	if err := newTestOrchestrator(st, first, Config{}).Run(ctx, StartRequest{OrganizationID: "org-1"}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := &fakeClient{vendor: "google", users: testUsers(), grants: []directory.RawGrant{
		{AppDisplayName: "Slack", UserID: "u1", UserEmail: "ann@acme.io", Scopes: []string{"email"}},
	}}
	if err := newTestOrchestrator(st, second, Config{}).Run(ctx, StartRequest{OrganizationID: "org-1", Force: true}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	apps, _ := st.ListApplications(ctx, "org-1")
	if len(apps) != 1 {
		t.Fatalf("got %d applications, want 1", len(apps))
	}
	if got := strings.Join(apps[0].AllScopes, " "); got != "email openid" {
		t.Fatalf("application scopes = %q, want the union of both runs", got)
	}

	edges, _ := st.ListUserApplications(ctx, "org-1")
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(edges))
	}
	if got := strings.Join(edges[0].Scopes, " "); got != "email openid" {
		t.Fatalf("edge scopes = %q, want the union of both runs", got)
	}
}

func TestRunOnlyRefreshesCredentialsForDiscoveredOrg(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()
	org, _ := st.UpsertOrganization(ctx, store.Organization{ID: "org-1", Name: "acme", Vendor: store.VendorGoogle})
	if _, err := st.UpsertApplications(ctx, org.ID, []store.Application{{Name: "Slack", AllScopes: []string{"openid"}}}); err != nil {
		t.Fatalf("seed application: %v", err)
	}

	// The failing client proves the pipeline never runs for a login on an
	// organization that already has a discovered inventory.
	broken := &fakeClient{vendor: "google", usersErr: errors.New("directory must not be called")}
	o := newTestOrchestrator(st, broken, Config{})
	if err := o.Run(ctx, StartRequest{OrganizationID: "org-1", RefreshToken: "rt-2"}); err != nil {
		t.Fatalf("credentials refresh run: %v", err)
	}

	job, _ := st.LatestSyncJob(ctx, "org-1")
	if job.Status != store.JobCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want COMPLETED/100", job.Status, job.Progress)
	}
	if !strings.Contains(job.Message, "credentials updated") {
		t.Fatalf("job message = %q, want credentials refresh note", job.Message)
	}
	if job.RefreshToken != "rt-2" {
		t.Fatalf("job refresh token = %q, want the new credential stored", job.RefreshToken)
	}

	// A forced run goes through the full pipeline and hits the client.
	err := o.Run(ctx, StartRequest{OrganizationID: "org-1", Force: true})
	if err == nil || !strings.Contains(err.Error(), "must not be called") {
		t.Fatalf("forced run err = %v, want the client failure surfaced", err)
	}
}

func TestRunAbortsOverCapacity(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	var grants []directory.RawGrant
	for i := 0; i < 4; i++ {
		grants = append(grants, directory.RawGrant{
			AppDisplayName: fmt.Sprintf("App %d", i),
			UserID:         "u1", UserEmail: "ann@acme.io",
			Scopes: []string{"openid"},
		})
	}
	o := newTestOrchestrator(st, &fakeClient{vendor: "google", users: testUsers(), grants: grants},
		Config{MaxTokensInRun: 3})
	ctx := context.Background()

	err := o.Run(ctx, StartRequest{OrganizationID: "org-1"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	job, _ := st.LatestSyncJob(ctx, "org-1")
	if job.Status != store.JobFailed || job.Progress != -1 {
		t.Fatalf("job = %s/%d, want FAILED/-1", job.Status, job.Progress)
	}
	apps, _ := st.ListApplications(ctx, "org-1")
	if len(apps) != 0 {
		t.Fatalf("persisted %d applications after capacity abort, want 0", len(apps))
	}
}

type failingSink struct{ err error }

func (s failingSink) PersistRelations(context.Context, RelationsPayload) error { return s.err }

func TestRunCompletesDegradedWhenRelationsFail(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	o := newTestOrchestrator(st, &fakeClient{vendor: "google", users: testUsers(), grants: testGrants()}, Config{})
	o.Sink = failingSink{err: errors.New("relations endpoint unreachable")}
	ctx := context.Background()

	if err := o.Run(ctx, StartRequest{OrganizationID: "org-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := st.LatestSyncJob(ctx, "org-1")
	if job.Status != store.JobCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want degraded COMPLETED/100", job.Status, job.Progress)
	}
	if !strings.Contains(job.Message, "without relationship graph") {
		t.Fatalf("job message = %q", job.Message)
	}

	apps, _ := st.ListApplications(ctx, "org-1")
	if len(apps) == 0 {
		t.Fatal("applications were not persisted before the degraded completion")
	}
	edges, _ := st.ListUserApplications(ctx, "org-1")
	if len(edges) != 0 {
		t.Fatalf("found %d edges despite failing sink", len(edges))
	}
}

func TestRunFailsOnExpiredAuth(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	o := newTestOrchestrator(st, &fakeClient{
		vendor:   "google",
		usersErr: fmt.Errorf("refresh token: %w", directory.ErrAuthExpired),
	}, Config{})
	ctx := context.Background()

	err := o.Run(ctx, StartRequest{OrganizationID: "org-1"})
	if !errors.Is(err, directory.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	job, _ := st.LatestSyncJob(ctx, "org-1")
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.Message, "reconnect") {
		t.Fatalf("job message = %q, want reconnect hint", job.Message)
	}
}

func TestRunRefusesConcurrentRuns(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	release, ok, err := st.AcquireSyncLock(context.Background(), "org-1")
	if err != nil || !ok {
		t.Fatalf("prepare lock: ok=%v err=%v", ok, err)
	}
	defer release()

	o := newTestOrchestrator(st, &fakeClient{vendor: "google"}, Config{})
	err = o.Run(context.Background(), StartRequest{OrganizationID: "org-1"})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestPersistRelationsCreatesMissingUsers(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()
	org, _ := st.UpsertOrganization(ctx, store.Organization{ID: "org-1", Name: "acme", Vendor: store.VendorGoogle})
	apps, _ := st.UpsertApplications(ctx, org.ID, []store.Application{{Name: "Slack", AllScopes: []string{"openid"}}})

	o := newTestOrchestrator(st, &fakeClient{vendor: "google"}, Config{})
	err := o.PersistRelations(ctx, RelationsPayload{
		OrganizationID: org.ID,
		UserAppRelations: []UserAppRelation{
			{AppName: "Slack", UserID: "u9", UserEmail: "new@acme.io", Token: "openid email"},
		},
		AppMap: []AppMapEntry{{AppName: "Slack", AppID: apps[0].ID}},
	})
	if err != nil {
		t.Fatalf("persist relations: %v", err)
	}

	users, _ := st.ListUsers(ctx, org.ID)
	if len(users) != 1 || users[0].Email != "new@acme.io" {
		t.Fatalf("users = %+v, want the late-arriving account created", users)
	}
	edges, _ := st.ListUserApplications(ctx, org.ID)
	if len(edges) != 1 || len(edges[0].Scopes) != 2 {
		t.Fatalf("edges = %+v", edges)
	}

	got, _ := st.ListApplications(ctx, org.ID)
	if got[0].UserCount != 1 {
		t.Fatalf("application user count = %d, want 1", got[0].UserCount)
	}
}

func TestPersistRelationsMarksScopelessEdgesUnknown(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()
	org, _ := st.UpsertOrganization(ctx, store.Organization{ID: "org-1", Name: "acme", Vendor: store.VendorGoogle})
	apps, _ := st.UpsertApplications(ctx, org.ID, []store.Application{{Name: "Mystery", AllScopes: []string{"unknown_scope"}}})
	users, _ := st.UpsertUsers(ctx, org.ID, []store.User{{VendorUserID: "u1", Email: "ann@acme.io", AccountEnabled: true}})

	o := newTestOrchestrator(st, &fakeClient{vendor: "google"}, Config{})
	err := o.PersistRelations(ctx, RelationsPayload{
		OrganizationID: org.ID,
		UserAppRelations: []UserAppRelation{
			{AppName: "Mystery", UserID: users[0].VendorUserID, UserEmail: users[0].Email, Token: "   "},
		},
		AppMap: []AppMapEntry{{AppName: "Mystery", AppID: apps[0].ID}},
	})
	if err != nil {
		t.Fatalf("persist relations: %v", err)
	}

	edges, _ := st.ListUserApplications(ctx, org.ID)
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(edges))
	}
	if len(edges[0].Scopes) != 1 || edges[0].Scopes[0] != "unknown_scope" {
		t.Fatalf("edge scopes = %v, want the unknown-scope placeholder", edges[0].Scopes)
	}
}

func TestGroupGrantsStableAcrossOrder(t *testing.T) {
	t.Parallel()
	grants := testGrants()
	reversed := make([]directory.RawGrant, len(grants))
	for i, g := range grants {
		reversed[len(grants)-1-i] = g
	}

	appsA, relsA := GroupGrants(grants)
	appsB, relsB := GroupGrants(reversed)
	if len(appsA) != len(appsB) || len(relsA) != len(relsB) {
		t.Fatal("grouping depends on grant order")
	}
	for i := range appsA {
		if appsA[i].Name != appsB[i].Name || strings.Join(appsA[i].AllScopes, " ") != strings.Join(appsB[i].AllScopes, " ") {
			t.Fatalf("application %d diverged: %+v vs %+v", i, appsA[i], appsB[i])
		}
	}
}
