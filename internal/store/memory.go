package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by tests and local development. It
// mirrors the Postgres implementation's merge semantics, scope unions
// included.
type Memory struct {
	mu    sync.Mutex
	orgs  map[string]Organization
	jobs  map[string]SyncJob
	users map[string]User
	apps  map[string]Application
	edges map[string]UserApplication
	locks map[string]bool

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orgs:  make(map[string]Organization),
		jobs:  make(map[string]SyncJob),
		users: make(map[string]User),
		apps:  make(map[string]Application),
		edges: make(map[string]UserApplication),
		locks: make(map[string]bool),
		now:   time.Now,
	}
}

func (s *Memory) Close() {}

// SetClock overrides the time source. Tests use it to age sync jobs.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Memory) UpsertOrganization(_ context.Context, org Organization) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if existing, ok := s.orgs[org.ID]; ok {
		org.CreatedAt = existing.CreatedAt
	} else {
		org.CreatedAt = s.now()
	}
	s.orgs[org.ID] = org
	return org, nil
}

func (s *Memory) GetOrganization(_ context.Context, id string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (s *Memory) ListOrganizations(context.Context) ([]Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateSyncJob(_ context.Context, job SyncJob) (SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobInProgress
	}
	job.StartedAt = s.now()
	job.UpdatedAt = job.StartedAt
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Memory) UpdateSyncJob(_ context.Context, id string, status string, progress int32, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *Memory) GetSyncJob(_ context.Context, id string) (SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	return job, nil
}

func (s *Memory) LatestSyncJob(_ context.Context, orgID string) (SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest SyncJob
	found := false
	for _, job := range s.jobs {
		if job.OrganizationID != orgID {
			continue
		}
		if !found || job.StartedAt.After(latest.StartedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return SyncJob{}, ErrNotFound
	}
	return latest, nil
}

func (s *Memory) FailStaleSyncJobs(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for id, job := range s.jobs {
		if job.Status != JobInProgress || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.Status = JobFailed
		job.Progress = -1
		job.Message = "sync timed out"
		job.UpdatedAt = s.now()
		s.jobs[id] = job
		n++
	}
	return n, nil
}

func (s *Memory) UpsertUsers(_ context.Context, orgID string, users []User) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(users))
	for _, u := range users {
		u.OrganizationID = orgID
		id := ""
		for existingID, existing := range s.users {
			if existing.OrganizationID == orgID && strings.EqualFold(existing.Email, u.Email) {
				id = existingID
				break
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		u.ID = id
		s.users[id] = u
		out = append(out, u)
	}
	return out, nil
}

func (s *Memory) ListUsers(_ context.Context, orgID string) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []User
	for _, u := range s.users {
		if u.OrganizationID == orgID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Memory) CountUsers(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.users {
		if u.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (s *Memory) DeleteUsers(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.users, id)
	}
	return nil
}

func (s *Memory) UpsertApplications(_ context.Context, orgID string, apps []Application) ([]Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Application, 0, len(apps))
	for _, a := range apps {
		a.OrganizationID = orgID
		id := ""
		for existingID, existing := range s.apps {
			if existing.OrganizationID == orgID && existing.Name == a.Name {
				id = existingID
				a.AllScopes = unionScopes(existing.AllScopes, a.AllScopes)
				a.RiskLevel = maxRisk(existing.RiskLevel, a.RiskLevel)
				if existing.ManagementStatus != "" {
					a.ManagementStatus = existing.ManagementStatus
				}
				if existing.Category != "" {
					a.Category = existing.Category
				}
				if a.VendorClientID == "" {
					a.VendorClientID = existing.VendorClientID
				}
				break
			}
		}
		if id == "" {
			id = uuid.NewString()
			a.AllScopes = unionScopes(nil, a.AllScopes)
		}
		a.ID = id
		a.TotalPermissions = int32(len(a.AllScopes))
		s.apps[id] = a
		out = append(out, a)
	}
	return out, nil
}

func (s *Memory) ListApplications(_ context.Context, orgID string) ([]Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Application
	for _, a := range s.apps {
		if a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Memory) DeleteApplications(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.apps, id)
	}
	return nil
}

func (s *Memory) UpdateApplicationStats(_ context.Context, appID string, riskLevel string, totalPermissions int32, allScopes []string, userCount int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[appID]
	if !ok {
		return ErrNotFound
	}
	a.RiskLevel = riskLevel
	a.TotalPermissions = totalPermissions
	a.AllScopes = allScopes
	a.UserCount = userCount
	s.apps[appID] = a
	return nil
}

func (s *Memory) UpsertUserApplications(_ context.Context, edges []UserApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		id := ""
		for existingID, existing := range s.edges {
			if existing.UserID == e.UserID && existing.ApplicationID == e.ApplicationID {
				id = existingID
				e.Scopes = unionScopes(existing.Scopes, e.Scopes)
				break
			}
		}
		if id == "" {
			id = uuid.NewString()
			e.Scopes = unionScopes(nil, e.Scopes)
		}
		e.ID = id
		s.edges[id] = e
	}
	return nil
}

func (s *Memory) ListUserApplications(_ context.Context, orgID string) ([]UserApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserApplication
	for _, e := range s.edges {
		u, ok := s.users[e.UserID]
		if !ok || u.OrganizationID != orgID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeleteUserApplications(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.edges, id)
	}
	return nil
}

func (s *Memory) AcquireSyncLock(_ context.Context, orgID string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[orgID] {
		return nil, false, nil
	}
	s.locks[orgID] = true
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, orgID)
	}
	return release, true, nil
}

// maxRisk keeps the stored risk at its high-water mark across upserts,
// matching the scope union: merged scopes never classify lower than
// either side alone.
func maxRisk(a, b string) string {
	rank := map[string]int{"LOW": 0, "MEDIUM": 1, "HIGH": 2}
	if a != "" && rank[a] >= rank[b] {
		return a
	}
	if b == "" {
		return a
	}
	return b
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
