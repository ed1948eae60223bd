package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed Store built on pgxpool.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(ctx context.Context, databaseURL string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PG{pool: pool}, nil
}

func (s *PG) Close() {
	s.pool.Close()
}

func (s *PG) UpsertOrganization(ctx context.Context, org Organization) (Organization, error) {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name, vendor, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vendor = EXCLUDED.vendor
		RETURNING id, name, vendor, created_at`,
		org.ID, org.Name, string(org.Vendor))
	var out Organization
	var vendor string
	if err := row.Scan(&out.ID, &out.Name, &vendor, &out.CreatedAt); err != nil {
		return Organization{}, fmt.Errorf("upsert organization: %w", err)
	}
	out.Vendor = Vendor(vendor)
	return out, nil
}

func (s *PG) GetOrganization(ctx context.Context, id string) (Organization, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, vendor, created_at FROM organizations WHERE id = $1`, id)
	var out Organization
	var vendor string
	if err := row.Scan(&out.ID, &out.Name, &vendor, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("get organization: %w", err)
	}
	out.Vendor = Vendor(vendor)
	return out, nil
}

func (s *PG) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, vendor, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	var out []Organization
	for rows.Next() {
		var org Organization
		var vendor string
		if err := rows.Scan(&org.ID, &org.Name, &vendor, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		org.Vendor = Vendor(vendor)
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *PG) CreateSyncJob(ctx context.Context, job SyncJob) (SyncJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobInProgress
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (id, org_id, status, progress, message,
			access_token, refresh_token, token_scope, token_expiry,
			started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING id, started_at, updated_at`,
		job.ID, job.OrganizationID, job.Status, job.Progress, job.Message,
		job.AccessToken, job.RefreshToken, job.TokenScope, nullableTime(job.TokenExpiry))
	if err := row.Scan(&job.ID, &job.StartedAt, &job.UpdatedAt); err != nil {
		return SyncJob{}, fmt.Errorf("create sync job: %w", err)
	}
	return job, nil
}

func (s *PG) UpdateSyncJob(ctx context.Context, id string, status string, progress int32, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, progress = $3, message = $4, updated_at = now()
		WHERE id = $1`,
		id, status, progress, message)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) GetSyncJob(ctx context.Context, id string) (SyncJob, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, org_id, status, progress, message,
			access_token, refresh_token, token_scope, token_expiry,
			started_at, updated_at
		FROM sync_jobs WHERE id = $1`, id))
}

func (s *PG) LatestSyncJob(ctx context.Context, orgID string) (SyncJob, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, org_id, status, progress, message,
			access_token, refresh_token, token_scope, token_expiry,
			started_at, updated_at
		FROM sync_jobs WHERE org_id = $1
		ORDER BY started_at DESC LIMIT 1`, orgID))
}

func (s *PG) scanJob(row pgx.Row) (SyncJob, error) {
	var job SyncJob
	var expiry *time.Time
	err := row.Scan(&job.ID, &job.OrganizationID, &job.Status, &job.Progress, &job.Message,
		&job.AccessToken, &job.RefreshToken, &job.TokenScope, &expiry,
		&job.StartedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SyncJob{}, ErrNotFound
		}
		return SyncJob{}, fmt.Errorf("scan sync job: %w", err)
	}
	if expiry != nil {
		job.TokenExpiry = *expiry
	}
	return job, nil
}

func (s *PG) FailStaleSyncJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = $1, progress = -1, message = 'sync timed out', updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3::interval`,
		JobFailed, JobInProgress, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("fail stale sync jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PG) UpsertUsers(ctx context.Context, orgID string, users []User) ([]User, error) {
	out := make([]User, 0, len(users))
	for _, u := range users {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO users (id, org_id, vendor_user_id, email, display_name,
				job_title, department, account_enabled, guest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (org_id, email) DO UPDATE SET
				vendor_user_id = EXCLUDED.vendor_user_id,
				display_name = EXCLUDED.display_name,
				job_title = EXCLUDED.job_title,
				department = EXCLUDED.department,
				account_enabled = EXCLUDED.account_enabled,
				guest = EXCLUDED.guest
			RETURNING id`,
			uuid.NewString(), orgID, u.VendorUserID, u.Email, u.DisplayName,
			u.JobTitle, u.Department, u.AccountEnabled, u.Guest)
		if err := row.Scan(&u.ID); err != nil {
			return nil, fmt.Errorf("upsert user %s: %w", u.Email, err)
		}
		u.OrganizationID = orgID
		out = append(out, u)
	}
	return out, nil
}

func (s *PG) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, vendor_user_id, email, display_name,
			job_title, department, account_enabled, guest
		FROM users WHERE org_id = $1 ORDER BY email`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.VendorUserID, &u.Email,
			&u.DisplayName, &u.JobTitle, &u.Department, &u.AccountEnabled, &u.Guest); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PG) CountUsers(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE org_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *PG) DeleteUsers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete users: %w", err)
	}
	return nil
}

func (s *PG) UpsertApplications(ctx context.Context, orgID string, apps []Application) ([]Application, error) {
	out := make([]Application, 0, len(apps))
	for _, a := range apps {
		// Scope sets only grow through upserts. The union keeps a scope seen
		// by an earlier run even when the incoming grant no longer lists it,
		// so risk follows the same high-water rule. A non-empty management
		// status set by an operator wins over the incoming value.
		row := s.pool.QueryRow(ctx, `
			INSERT INTO applications (id, org_id, name, vendor_client_id, category,
				risk_level, management_status, total_permissions, all_scopes, user_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (org_id, name) DO UPDATE SET
				all_scopes = ARRAY(
					SELECT DISTINCT s
					FROM unnest(applications.all_scopes || EXCLUDED.all_scopes) AS s
					ORDER BY s),
				total_permissions = (
					SELECT count(DISTINCT s)
					FROM unnest(applications.all_scopes || EXCLUDED.all_scopes) AS s),
				risk_level = CASE
					WHEN applications.risk_level = 'HIGH' OR EXCLUDED.risk_level = 'HIGH' THEN 'HIGH'
					WHEN applications.risk_level = 'MEDIUM' OR EXCLUDED.risk_level = 'MEDIUM' THEN 'MEDIUM'
					ELSE EXCLUDED.risk_level END,
				management_status = CASE WHEN applications.management_status = ''
					THEN EXCLUDED.management_status ELSE applications.management_status END,
				user_count = EXCLUDED.user_count,
				vendor_client_id = CASE WHEN EXCLUDED.vendor_client_id = ''
					THEN applications.vendor_client_id ELSE EXCLUDED.vendor_client_id END,
				category = CASE WHEN applications.category = ''
					THEN EXCLUDED.category ELSE applications.category END
			RETURNING id, vendor_client_id, category, risk_level, management_status,
				all_scopes, total_permissions`,
			uuid.NewString(), orgID, a.Name, a.VendorClientID, a.Category, a.RiskLevel,
			a.ManagementStatus, a.TotalPermissions, a.AllScopes, a.UserCount)
		if err := row.Scan(&a.ID, &a.VendorClientID, &a.Category, &a.RiskLevel,
			&a.ManagementStatus, &a.AllScopes, &a.TotalPermissions); err != nil {
			return nil, fmt.Errorf("upsert application %s: %w", a.Name, err)
		}
		a.OrganizationID = orgID
		out = append(out, a)
	}
	return out, nil
}

func (s *PG) ListApplications(ctx context.Context, orgID string) ([]Application, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, name, vendor_client_id, category, risk_level,
			management_status, total_permissions, all_scopes, user_count
		FROM applications WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.VendorClientID, &a.Category,
			&a.RiskLevel, &a.ManagementStatus, &a.TotalPermissions, &a.AllScopes, &a.UserCount); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PG) DeleteApplications(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM applications WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete applications: %w", err)
	}
	return nil
}

func (s *PG) UpdateApplicationStats(ctx context.Context, appID string, riskLevel string, totalPermissions int32, allScopes []string, userCount int32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET risk_level = $2, total_permissions = $3, all_scopes = $4, user_count = $5
		WHERE id = $1`,
		appID, riskLevel, totalPermissions, allScopes, userCount)
	if err != nil {
		return fmt.Errorf("update application stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) UpsertUserApplications(ctx context.Context, edges []UserApplication) error {
	for _, e := range edges {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO user_applications (id, user_id, application_id, scopes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, application_id) DO UPDATE SET
				scopes = ARRAY(
					SELECT DISTINCT s
					FROM unnest(user_applications.scopes || EXCLUDED.scopes) AS s
					ORDER BY s)`,
			uuid.NewString(), e.UserID, e.ApplicationID, e.Scopes)
		if err != nil {
			return fmt.Errorf("upsert user application: %w", err)
		}
	}
	return nil
}

func (s *PG) ListUserApplications(ctx context.Context, orgID string) ([]UserApplication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ua.id, ua.user_id, ua.application_id, ua.scopes
		FROM user_applications ua
		JOIN users u ON u.id = ua.user_id
		WHERE u.org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list user applications: %w", err)
	}
	defer rows.Close()
	var out []UserApplication
	for rows.Next() {
		var e UserApplication
		if err := rows.Scan(&e.ID, &e.UserID, &e.ApplicationID, &e.Scopes); err != nil {
			return nil, fmt.Errorf("scan user application: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PG) DeleteUserApplications(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_applications WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete user applications: %w", err)
	}
	return nil
}

// AcquireSyncLock takes a session advisory lock keyed on the organization id.
// The lock lives on a dedicated pooled connection which is released together
// with the lock.
func (s *PG) AcquireSyncLock(ctx context.Context, orgID string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, orgID).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, orgID)
		conn.Release()
	}
	return release, true, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
