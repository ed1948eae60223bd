package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Vendor identifies the directory a record originated from.
type Vendor string

const (
	VendorGoogle    Vendor = "google"
	VendorMicrosoft Vendor = "microsoft"
)

// Sync job statuses. Progress values inside IN_PROGRESS track the stage the
// pipeline last reached; FAILED jobs carry progress -1.
const (
	JobInProgress = "IN_PROGRESS"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

type Organization struct {
	ID        string
	Name      string
	Vendor    Vendor
	CreatedAt time.Time
}

type SyncJob struct {
	ID             string
	OrganizationID string
	Status         string
	Progress       int32
	Message        string
	AccessToken    string
	RefreshToken   string
	TokenScope     string
	TokenExpiry    time.Time
	StartedAt      time.Time
	UpdatedAt      time.Time
}

type User struct {
	ID             string
	OrganizationID string
	VendorUserID   string
	Email          string
	DisplayName    string
	JobTitle       string
	Department     string
	AccountEnabled bool
	Guest          bool
}

type Application struct {
	ID               string
	OrganizationID   string
	Name             string
	VendorClientID   string
	Category         string
	RiskLevel        string
	ManagementStatus string
	TotalPermissions int32
	AllScopes        []string
	UserCount        int32
}

type UserApplication struct {
	ID            string
	UserID        string
	ApplicationID string
	Scopes        []string
}

// Store is the persistence surface shared by the Postgres and in-memory
// implementations. All upserts merge scope sets monotonically: a scope once
// recorded for an application or a grant edge is never dropped by a later
// upsert, only reconciliation removes rows.
type Store interface {
	UpsertOrganization(ctx context.Context, org Organization) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)

	CreateSyncJob(ctx context.Context, job SyncJob) (SyncJob, error)
	UpdateSyncJob(ctx context.Context, id string, status string, progress int32, message string) error
	GetSyncJob(ctx context.Context, id string) (SyncJob, error)
	LatestSyncJob(ctx context.Context, orgID string) (SyncJob, error)
	// FailStaleSyncJobs marks IN_PROGRESS jobs untouched for longer than
	// olderThan as FAILED and returns how many it transitioned.
	FailStaleSyncJobs(ctx context.Context, olderThan time.Duration) (int, error)

	UpsertUsers(ctx context.Context, orgID string, users []User) ([]User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)
	CountUsers(ctx context.Context, orgID string) (int, error)
	DeleteUsers(ctx context.Context, ids []string) error

	UpsertApplications(ctx context.Context, orgID string, apps []Application) ([]Application, error)
	ListApplications(ctx context.Context, orgID string) ([]Application, error)
	DeleteApplications(ctx context.Context, ids []string) error
	UpdateApplicationStats(ctx context.Context, appID string, riskLevel string, totalPermissions int32, allScopes []string, userCount int32) error

	UpsertUserApplications(ctx context.Context, edges []UserApplication) error
	ListUserApplications(ctx context.Context, orgID string) ([]UserApplication, error)
	DeleteUserApplications(ctx context.Context, ids []string) error

	// AcquireSyncLock takes a per-organization lock guarding the pipeline.
	// It reports false without error when another run holds the lock.
	AcquireSyncLock(ctx context.Context, orgID string) (release func(), acquired bool, err error)

	Close()
}
