package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/odvcencio/repohost/internal/models"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = 250 * time.Millisecond
	defaultJobTimeout   = 10 * time.Minute
)

type JobProcessor func(ctx context.Context, job *models.CloneJob) error

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnSettled runs after every attempt with the status the job was left
	// in, including queued when it will be retried.
	OnSettled func(ctx context.Context, job *models.CloneJob, status models.CloneJobStatus)
}

// WorkerPool claims clone jobs from Queue and executes them with JobProcessor.
type WorkerPool struct {
	queue        *Queue
	process      JobProcessor
	workers      int
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	onSettled    func(ctx context.Context, job *models.CloneJob, status models.CloneJobStatus)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(queue *Queue, process JobProcessor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:        queue,
		process:      process,
		workers:      workers,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger,
		onSettled:    opts.OnSettled,
	}
}

// Start requeues jobs orphaned by a previous process and launches the
// workers.
func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if n, err := w.queue.Recover(parent); err != nil {
		w.logger.Warn("clone worker recovery failed", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted clone jobs", "count", n)
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("clone worker claim failed", "worker_id", workerID, "error", err)
			}
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}

		w.runJob(ctx, workerID, job)
	}
}

func (w *WorkerPool) runJob(ctx context.Context, workerID int, job *models.CloneJob) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	runErr := w.safeProcess(jobCtx, job)
	cancel()

	// Status writes must land even while the pool is shutting down.
	bg := context.WithoutCancel(ctx)
	var (
		status models.CloneJobStatus
		err    error
	)
	switch {
	case runErr == nil:
		status, err = models.CloneJobCompleted, w.queue.Complete(bg, job.ID)
	case errors.Is(runErr, ErrJobCancelled):
		status, err = models.CloneJobCancelled, w.queue.MarkCancelled(bg, job.ID, runErr)
	case IsPermanent(runErr):
		status, err = models.CloneJobFailed, w.queue.Fail(bg, job.ID, runErr)
	default:
		status, err = w.queue.RetryOrFail(bg, job, runErr)
	}
	if err != nil {
		w.logger.Error("clone worker status update failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		return
	}

	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("operation", "clone"),
		slog.Int("worker_id", workerID),
		slog.String("job_id", job.ID),
		slog.String("repo", job.Slug),
		slog.String("status", string(status)),
		slog.Int("attempt", job.AttemptCount),
		slog.Duration("duration", time.Since(start)),
	}
	if runErr != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", runErr.Error()))
	}
	w.logger.LogAttrs(bg, level, "clone job attempt finished", attrs...)

	if w.onSettled != nil {
		w.onSettled(bg, job, status)
	}
}

func (w *WorkerPool) safeProcess(ctx context.Context, job *models.CloneJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("clone job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = Permanent(fmt.Errorf("clone job panicked: %v", r))
		}
	}()
	return w.process(ctx, job)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
