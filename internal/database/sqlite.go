package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/repohost/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver on every pooled connection, so
// each one waits on a locked database instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// sqliteDSN appends the connection pragmas to dsn. Write transactions take
// the lock up front so two writers never deadlock upgrading a read lock.
func sqliteDSN(dsn string) string {
	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, pragma := range sqlitePragmas {
		b.WriteString(sep + "_pragma=" + pragma)
		sep = "&"
	}
	b.WriteString("&_txlock=immediate")
	return b.String()
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Backfill schema for installations created before repositories carried a project.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE repositories ADD COLUMN project_id TEXT NOT NULL DEFAULT ''`); err != nil {
		if !isSQLiteDuplicateColumnErr(err) {
			return err
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	storage_path TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS clone_jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL,
	source_url TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	error TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_clone_jobs_status ON clone_jobs(status, seq);
CREATE INDEX IF NOT EXISTS idx_clone_jobs_slug ON clone_jobs(slug, seq);
`

func isSQLiteDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func isSQLiteUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const repositoryColumns = `id, slug, name, description, project_id, default_branch, storage_path, created_at, updated_at`

func scanRepository(row rowScanner) (*models.Repository, error) {
	r := &models.Repository{}
	if err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.Description, &r.ProjectID, &r.DefaultBranch, &r.StoragePath,
		(*timestamp)(&r.CreatedAt), (*timestamp)(&r.UpdatedAt)); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (slug, name, description, project_id, default_branch, storage_path)
			 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Slug, r.Name, r.Description, r.ProjectID, r.DefaultBranch, r.StoragePath)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return fmt.Errorf("%w: repository %q", ErrDuplicate, r.Slug)
		}
		return err
	}
	r.ID, _ = res.LastInsertId()
	now := time.Now().UTC().Truncate(time.Second)
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *SQLiteDB) GetRepositoryBySlug(ctx context.Context, slug string) (*models.Repository, error) {
	return scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE slug = ?`, slug))
}

func (s *SQLiteDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func (s *SQLiteDB) DeleteRepository(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) TouchRepository(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

const cloneJobColumns = `id, slug, source_url, name, description, project_id, status, error, attempt_count, created_at, updated_at`

func scanCloneJob(row rowScanner) (*models.CloneJob, error) {
	var job models.CloneJob
	var status string
	if err := row.Scan(
		&job.ID,
		&job.Slug,
		&job.SourceURL,
		&job.Name,
		&job.Description,
		&job.ProjectID,
		&status,
		&job.Error,
		&job.AttemptCount,
		(*timestamp)(&job.CreatedAt),
		(*timestamp)(&job.UpdatedAt),
	); err != nil {
		return nil, err
	}
	job.Status = models.CloneJobStatus(status)
	return &job, nil
}

func (s *SQLiteDB) CreateCloneJob(ctx context.Context, job *models.CloneJob) error {
	if job.Status == "" {
		job.Status = models.CloneJobQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clone_jobs (id, slug, source_url, name, description, project_id, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Slug, job.SourceURL, job.Name, job.Description, job.ProjectID, job.Status)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return fmt.Errorf("%w: clone job %q", ErrDuplicate, job.ID)
		}
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	job.CreatedAt, job.UpdatedAt = now, now
	return nil
}

func (s *SQLiteDB) GetCloneJob(ctx context.Context, id string) (*models.CloneJob, error) {
	return scanCloneJob(s.db.QueryRowContext(ctx,
		`SELECT `+cloneJobColumns+` FROM clone_jobs WHERE id = ?`, id))
}

func (s *SQLiteDB) GetLatestCloneJob(ctx context.Context, slug string) (*models.CloneJob, error) {
	return scanCloneJob(s.db.QueryRowContext(ctx,
		`SELECT `+cloneJobColumns+` FROM clone_jobs WHERE slug = ? ORDER BY seq DESC LIMIT 1`, slug))
}

func (s *SQLiteDB) ClaimCloneJob(ctx context.Context) (*models.CloneJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE clone_jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE seq = (
			 SELECT seq
			 FROM clone_jobs
			 WHERE status = ?
			 ORDER BY seq ASC
			 LIMIT 1
		 )
		 RETURNING `+cloneJobColumns,
		models.CloneJobRunning, models.CloneJobQueued,
	)
	job, err := scanCloneJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteDB) CompleteCloneJob(ctx context.Context, id string, status models.CloneJobStatus, errMsg string) error {
	trimmedErr, err := terminalError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE clone_jobs
		 SET status = ?,
			 error = ?,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		status, trimmedErr, id, models.CloneJobRunning,
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) RequeueCloneJob(ctx context.Context, id string, errMsg string, maxAttempts int) (models.CloneJobStatus, error) {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE clone_jobs
		 SET status = CASE
				 WHEN attempt_count >= ? THEN ?
				 ELSE ?
			 END,
			 error = ?,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?
		 RETURNING status`,
		maxAttempts, models.CloneJobFailed, models.CloneJobQueued, trimmedErr, id, models.CloneJobRunning,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.CloneJobStatus(status), nil
}

func (s *SQLiteDB) CancelQueuedCloneJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clone_jobs SET status = ?, error = 'cancelled', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.CloneJobCancelled, id, models.CloneJobQueued)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteDB) RequeueRunningCloneJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clone_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		models.CloneJobQueued, models.CloneJobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func terminalError(status models.CloneJobStatus, errMsg string) (string, error) {
	trimmedErr := strings.TrimSpace(errMsg)
	switch status {
	case models.CloneJobCompleted:
		return "", nil
	case models.CloneJobFailed:
		if trimmedErr == "" {
			trimmedErr = "job failed"
		}
		return trimmedErr, nil
	case models.CloneJobCancelled:
		if trimmedErr == "" {
			trimmedErr = "cancelled"
		}
		return trimmedErr, nil
	default:
		return "", fmt.Errorf("unsupported terminal status %q", status)
	}
}

// timestamp scans DATETIME values that arrive as time.Time or, when the
// column's declared type is lost (RETURNING, expressions), as text.
type timestamp time.Time

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*t = timestamp(v.UTC())
	case string:
		parsed, ok := parseSQLiteTime(v)
		if !ok {
			return fmt.Errorf("parse timestamp %q", v)
		}
		*t = timestamp(parsed)
	case []byte:
		return t.Scan(string(v))
	case nil:
		*t = timestamp(time.Time{})
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func parseSQLiteTime(v string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
		if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
