package database

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/repohost/internal/models"
)

// ErrDuplicate reports a unique-key violation, e.g. a slug already in use.
var ErrDuplicate = errors.New("duplicate record")

// CloneQueueStats feeds /healthz. OldestQueuedAt is nil when nothing waits.
type CloneQueueStats struct {
	Queued         int64
	Running        int64
	Failed         int64
	OldestQueuedAt *time.Time
}

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
// Lookups that find nothing return sql.ErrNoRows.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepositoryBySlug(ctx context.Context, slug string) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	DeleteRepository(ctx context.Context, id int64) error
	TouchRepository(ctx context.Context, id int64) error

	// Clone jobs
	CreateCloneJob(ctx context.Context, job *models.CloneJob) error
	GetCloneJob(ctx context.Context, id string) (*models.CloneJob, error)
	GetLatestCloneJob(ctx context.Context, slug string) (*models.CloneJob, error)
	// ClaimCloneJob moves the oldest queued job to running. It returns
	// (nil, nil) when the queue is empty.
	ClaimCloneJob(ctx context.Context) (*models.CloneJob, error)
	CompleteCloneJob(ctx context.Context, id string, status models.CloneJobStatus, errMsg string) error
	// RequeueCloneJob returns a running job to the queue, or fails it
	// once attempt_count reaches maxAttempts.
	RequeueCloneJob(ctx context.Context, id string, errMsg string, maxAttempts int) (models.CloneJobStatus, error)
	// CancelQueuedCloneJob cancels a job that has not been claimed yet.
	CancelQueuedCloneJob(ctx context.Context, id string) (bool, error)
	// RequeueRunningCloneJobs recovers jobs orphaned by a crashed process.
	RequeueRunningCloneJobs(ctx context.Context) (int64, error)
	CloneQueueStats(ctx context.Context) (CloneQueueStats, error)
}
