package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/models"
)

const defaultMaxAttempts = 3

// ErrJobCancelled marks a processor error caused by an explicit cancel
// request. Such jobs end as cancelled and are never retried.
var ErrJobCancelled = errors.New("job cancelled")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue persists clone jobs and their status transitions in the database.
type Queue struct {
	db          database.DB
	maxAttempts int
}

type QueueOptions struct {
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// Enqueue persists job as queued, assigning it an ID.
func (q *Queue) Enqueue(ctx context.Context, job *models.CloneJob) error {
	if job == nil {
		return fmt.Errorf("clone job is nil")
	}
	if strings.TrimSpace(job.Slug) == "" || strings.TrimSpace(job.SourceURL) == "" {
		return fmt.Errorf("clone job needs a slug and a source url")
	}
	job.ID = uuid.NewString()
	job.Status = models.CloneJobQueued
	return q.db.CreateCloneJob(ctx, job)
}

func (q *Queue) Claim(ctx context.Context) (*models.CloneJob, error) {
	return q.db.ClaimCloneJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.db.CompleteCloneJob(ctx, jobID, models.CloneJobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID string, runErr error) error {
	return q.db.CompleteCloneJob(ctx, jobID, models.CloneJobFailed, failureMessage(runErr))
}

func (q *Queue) MarkCancelled(ctx context.Context, jobID string, runErr error) error {
	return q.db.CompleteCloneJob(ctx, jobID, models.CloneJobCancelled, failureMessage(runErr))
}

// RetryOrFail requeues a running job, or fails it once it has used up
// its attempts. It returns the status the job ended up in.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.CloneJob, runErr error) (models.CloneJobStatus, error) {
	if job == nil {
		return "", fmt.Errorf("clone job is nil")
	}
	return q.db.RequeueCloneJob(ctx, job.ID, failureMessage(runErr), q.maxAttempts)
}

// CancelQueued cancels a job no worker has claimed yet.
func (q *Queue) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	return q.db.CancelQueuedCloneJob(ctx, jobID)
}

// Recover requeues jobs left running by a previous process.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	return q.db.RequeueRunningCloneJobs(ctx)
}

// Latest returns the newest job for slug, or nil when there is none.
func (q *Queue) Latest(ctx context.Context, slug string) (*models.CloneJob, error) {
	job, err := q.db.GetLatestCloneJob(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*models.CloneJob, error) {
	job, err := q.db.GetCloneJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
