package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ifcscheduler/errs"
	"ifcscheduler/models"
)

// Timestamps are stored as fixed-width UTC text so they sort the same way
// under both drivers.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		id TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		folder_id TEXT NOT NULL DEFAULT '',
		folder_url TEXT NOT NULL DEFAULT '',
		settings_name TEXT NOT NULL DEFAULT '',
		schedule_id TEXT NOT NULL DEFAULT '',
		file_urn TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		derivative_urn TEXT NOT NULL DEFAULT '',
		input_storage_location TEXT NOT NULL DEFAULT '',
		output_storage_location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		job_created TEXT NOT NULL,
		job_finished TEXT,
		notes TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		is_composite_design BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_dedup ON conversion_jobs (file_urn, settings_name, status)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_project ON conversion_jobs (project_id, job_created)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		refresh TEXT NOT NULL DEFAULT '',
		token_expiration TEXT NOT NULL DEFAULT '',
		accounts TEXT NOT NULL DEFAULT '[]',
		permissions TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		cron TEXT NOT NULL,
		time_zone_id TEXT NOT NULL DEFAULT '',
		settings_name TEXT NOT NULL DEFAULT '',
		folder_urns TEXT NOT NULL DEFAULT '[]',
		files TEXT NOT NULL DEFAULT '[]',
		last_start TEXT,
		last_file_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		edited_by TEXT NOT NULL DEFAULT ''
	)`,
}

type DatabaseService struct {
	db     *sql.DB
	driver string
}

// NewDatabaseService opens the job store. driver is "postgres" or "sqlite".
func NewDatabaseService(driver, databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// A single connection keeps in-memory databases shared and avoids
		// writer contention.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db, driver: driver}, nil
}

// Migrate creates any missing tables and indexes.
func (d *DatabaseService) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, hub_id, project_id, folder_id, folder_url, settings_name, schedule_id,
	file_urn, file_name, item_id, derivative_urn, input_storage_location, output_storage_location,
	status, job_created, job_finished, notes, region, created_by, is_composite_design`

func (d *DatabaseService) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	query := `INSERT INTO conversion_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := d.db.ExecContext(ctx, query,
		job.ID, job.HubID, job.ProjectID, job.FolderID, job.FolderURL, job.SettingsName, job.ScheduleID,
		job.FileURN, job.FileName, job.ItemID, job.DerivativeURN, job.InputStorageLocation, job.OutputStorageLocation,
		string(job.Status), formatTime(job.JobCreated), formatTimePtr(job.JobFinished), job.Notes, job.Region,
		job.CreatedBy, job.IsCompositeDesign,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob writes every mutable field of job.
func (d *DatabaseService) UpdateJob(ctx context.Context, job *models.ConversionJob) error {
	query := `UPDATE conversion_jobs SET
		folder_id = $1, folder_url = $2, derivative_urn = $3, input_storage_location = $4,
		output_storage_location = $5, status = $6, job_finished = $7, notes = $8
		WHERE id = $9`

	res, err := d.db.ExecContext(ctx, query,
		job.FolderID, job.FolderURL, job.DerivativeURN, job.InputStorageLocation,
		job.OutputStorageLocation, string(job.Status), formatTimePtr(job.JobFinished), job.Notes,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, errs.ErrNotFound)
	}
	return nil
}

func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// FindSuccessfulJob returns the newest Success job for the same source file
// and settings profile, or nil when there is none.
func (d *DatabaseService) FindSuccessfulJob(ctx context.Context, fileURN, settingsName string) (*models.ConversionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs
		WHERE file_urn = $1 AND settings_name = $2 AND status = $3
		ORDER BY job_created DESC LIMIT 1`

	job, err := scanJob(d.db.QueryRowContext(ctx, query, fileURN, settingsName, string(models.StatusSuccess)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find successful job: %w", err)
	}
	return job, nil
}

type JobFilter struct {
	ProjectID  string
	ScheduleID string
	Status     models.Status
	Limit      int
	Offset     int
}

// ListJobs returns jobs newest first.
func (d *DatabaseService) ListJobs(ctx context.Context, filter JobFilter) ([]models.ConversionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs`
	var where []string
	var args []interface{}
	argIndex := 1

	if filter.ProjectID != "" {
		where = append(where, fmt.Sprintf(`project_id = $%d`, argIndex))
		args = append(args, filter.ProjectID)
		argIndex++
	}
	if filter.ScheduleID != "" {
		where = append(where, fmt.Sprintf(`schedule_id = $%d`, argIndex))
		args = append(args, filter.ScheduleID)
		argIndex++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf(`status = $%d`, argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY job_created DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIndex, argIndex+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var (
		job      models.ConversionJob
		status   string
		created  string
		finished sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.HubID, &job.ProjectID, &job.FolderID, &job.FolderURL, &job.SettingsName, &job.ScheduleID,
		&job.FileURN, &job.FileName, &job.ItemID, &job.DerivativeURN, &job.InputStorageLocation, &job.OutputStorageLocation,
		&status, &created, &finished, &job.Notes, &job.Region, &job.CreatedBy, &job.IsCompositeDesign,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.Status(status)
	if job.JobCreated, err = parseTime(created); err != nil {
		return nil, err
	}
	if finished.Valid && finished.String != "" {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		job.JobFinished = &t
	}
	return &job, nil
}

func (d *DatabaseService) GetUser(ctx context.Context, id string) (*models.User, error) {
	var (
		user        models.User
		expiration  string
		accounts    string
		permissions string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, token, refresh, token_expiration, accounts, permissions FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Email, &user.Token, &user.Refresh, &expiration, &accounts, &permissions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	if expiration != "" {
		if user.TokenExpiration, err = parseTime(expiration); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(accounts), &user.Accounts); err != nil {
		return nil, fmt.Errorf("decode accounts for user %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(permissions), &user.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions for user %s: %w", id, err)
	}
	return &user, nil
}

// SaveUser inserts or replaces a user record.
func (d *DatabaseService) SaveUser(ctx context.Context, user *models.User) error {
	accounts, err := json.Marshal(nonNil(user.Accounts))
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	permissions, err := json.Marshal(nonNil(user.Permissions))
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	query := `INSERT INTO users (id, email, token, refresh, token_expiration, accounts, permissions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email, token = excluded.token, refresh = excluded.refresh,
			token_expiration = excluded.token_expiration, accounts = excluded.accounts,
			permissions = excluded.permissions`
	_, err = d.db.ExecContext(ctx, query, user.ID, user.Email, user.Token, user.Refresh,
		formatTime(user.TokenExpiration), string(accounts), string(permissions))
	if err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

// UpdateUserTokens persists a refreshed delegated credential pair.
func (d *DatabaseService) UpdateUserTokens(ctx context.Context, user *models.User) error {
	query := `UPDATE users SET token = $1, refresh = $2, token_expiration = $3 WHERE id = $4`
	res, err := d.db.ExecContext(ctx, query, user.Token, user.Refresh, formatTime(user.TokenExpiration), user.ID)
	if err != nil {
		return fmt.Errorf("update tokens for user %s: %w", user.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update tokens for user %s: %w", user.ID, errs.ErrNotFound)
	}
	return nil
}

const scheduleColumns = `id, hub_id, region, project_id, name, cron, time_zone_id, settings_name,
	folder_urns, files, last_start, last_file_count, created_by, edited_by`

// SaveSchedule inserts or replaces a schedule definition.
func (d *DatabaseService) SaveSchedule(ctx context.Context, s *models.Schedule) error {
	folders, err := json.Marshal(nonNil(s.FolderURNs))
	if err != nil {
		return fmt.Errorf("encode folders: %w", err)
	}
	files, err := json.Marshal(nonNil(s.Files))
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	query := `INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			hub_id = excluded.hub_id, region = excluded.region, project_id = excluded.project_id,
			name = excluded.name, cron = excluded.cron, time_zone_id = excluded.time_zone_id,
			settings_name = excluded.settings_name, folder_urns = excluded.folder_urns,
			files = excluded.files, edited_by = excluded.edited_by`
	_, err = d.db.ExecContext(ctx, query,
		s.ID, s.HubID, s.Region, s.ProjectID, s.Name, s.Cron, s.TimeZoneID, s.SettingsName,
		string(folders), string(files), formatTimePtr(s.LastStart), s.LastFileCount, s.CreatedBy, s.EditedBy,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", s.ID, err)
	}
	return nil
}

func (d *DatabaseService) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		var (
			s         models.Schedule
			folders   string
			files     string
			lastStart sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.HubID, &s.Region, &s.ProjectID, &s.Name, &s.Cron, &s.TimeZoneID,
			&s.SettingsName, &folders, &files, &lastStart, &s.LastFileCount, &s.CreatedBy, &s.EditedBy); err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		if err := json.Unmarshal([]byte(folders), &s.FolderURNs); err != nil {
			return nil, fmt.Errorf("decode folders for schedule %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(files), &s.Files); err != nil {
			return nil, fmt.Errorf("decode files for schedule %s: %w", s.ID, err)
		}
		if lastStart.Valid && lastStart.String != "" {
			t, err := parseTime(lastStart.String)
			if err != nil {
				return nil, err
			}
			s.LastStart = &t
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// UpdateScheduleRun records the start time and file count of a schedule run.
func (d *DatabaseService) UpdateScheduleRun(ctx context.Context, id string, start time.Time, fileCount int) error {
	query := `UPDATE schedules SET last_start = $1, last_file_count = $2 WHERE id = $3`
	_, err := d.db.ExecContext(ctx, query, formatTime(start), fileCount, id)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	return nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
