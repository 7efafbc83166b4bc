package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/odvcencio/repohost/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT 'main',
	storage_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE repositories ADD COLUMN IF NOT EXISTS project_id TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS clone_jobs (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL,
	source_url TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	error TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_clone_jobs_status ON clone_jobs(status, seq);
CREATE INDEX IF NOT EXISTS idx_clone_jobs_slug ON clone_jobs(slug, seq);
`

func isPostgresUniqueErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO repositories (slug, name, description, project_id, default_branch, storage_path)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
		r.Slug, r.Name, r.Description, r.ProjectID, r.DefaultBranch, r.StoragePath,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isPostgresUniqueErr(err) {
		return fmt.Errorf("%w: repository %q", ErrDuplicate, r.Slug)
	}
	return err
}

func (p *PostgresDB) GetRepositoryBySlug(ctx context.Context, slug string) (*models.Repository, error) {
	return scanRepository(p.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE slug = $1`, slug))
}

func (p *PostgresDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY slug`)
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

func (p *PostgresDB) DeleteRepository(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) TouchRepository(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE repositories SET updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) CreateCloneJob(ctx context.Context, job *models.CloneJob) error {
	if job.Status == "" {
		job.Status = models.CloneJobQueued
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO clone_jobs (id, slug, source_url, name, description, project_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		job.ID, job.Slug, job.SourceURL, job.Name, job.Description, job.ProjectID, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if isPostgresUniqueErr(err) {
		return fmt.Errorf("%w: clone job %q", ErrDuplicate, job.ID)
	}
	return err
}

func (p *PostgresDB) GetCloneJob(ctx context.Context, id string) (*models.CloneJob, error) {
	return scanCloneJob(p.db.QueryRowContext(ctx,
		`SELECT `+cloneJobColumns+` FROM clone_jobs WHERE id = $1`, id))
}

func (p *PostgresDB) GetLatestCloneJob(ctx context.Context, slug string) (*models.CloneJob, error) {
	return scanCloneJob(p.db.QueryRowContext(ctx,
		`SELECT `+cloneJobColumns+` FROM clone_jobs WHERE slug = $1 ORDER BY seq DESC LIMIT 1`, slug))
}

func (p *PostgresDB) ClaimCloneJob(ctx context.Context) (*models.CloneJob, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE clone_jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 updated_at = NOW()
		 WHERE seq = (
			 SELECT seq
			 FROM clone_jobs
			 WHERE status = $2
			 ORDER BY seq ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
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

func (p *PostgresDB) CompleteCloneJob(ctx context.Context, id string, status models.CloneJobStatus, errMsg string) error {
	trimmedErr, err := terminalError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE clone_jobs SET status = $1, error = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
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

func (p *PostgresDB) RequeueCloneJob(ctx context.Context, id string, errMsg string, maxAttempts int) (models.CloneJobStatus, error) {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	var status string
	err := p.db.QueryRowContext(ctx,
		`UPDATE clone_jobs
		 SET status = CASE WHEN attempt_count >= $1 THEN $2 ELSE $3 END,
			 error = $4,
			 updated_at = NOW()
		 WHERE id = $5 AND status = $6
		 RETURNING status`,
		maxAttempts, models.CloneJobFailed, models.CloneJobQueued, trimmedErr, id, models.CloneJobRunning,
	).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.CloneJobStatus(status), nil
}

func (p *PostgresDB) CancelQueuedCloneJob(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE clone_jobs SET status = $1, error = 'cancelled', updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.CloneJobCancelled, id, models.CloneJobQueued)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (p *PostgresDB) RequeueRunningCloneJobs(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE clone_jobs SET status = $1, updated_at = NOW() WHERE status = $2`,
		models.CloneJobQueued, models.CloneJobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
