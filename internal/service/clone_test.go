package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/repohost/internal/jobs"
	"github.com/odvcencio/repohost/internal/models"
	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/protocol"
)

type cloneHarness struct {
	*testEnv
	queue   *jobs.Queue
	clones  *CloneService
	settled chan models.CloneJobStatus
}

func newCloneHarness(t *testing.T) *cloneHarness {
	t.Helper()
	env := setupTestEnv(t)
	queue := jobs.NewQueue(env.db, jobs.QueueOptions{MaxAttempts: 2})
	client := protocol.NewClient(protocol.ClientOptions{MaxAttempts: 1, Backoff: time.Millisecond})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &cloneHarness{
		testEnv: env,
		queue:   queue,
		clones:  NewCloneService(env.repos, queue, client, logger),
		settled: make(chan models.CloneJobStatus, 8),
	}
}

func (h *cloneHarness) startWorkers(t *testing.T) {
	t.Helper()
	pool := jobs.NewWorkerPool(h.queue, h.clones.Run, jobs.WorkerPoolOptions{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Timeout:      10 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnSettled: func(ctx context.Context, job *models.CloneJob, status models.CloneJobStatus) {
			h.clones.Settle(ctx, job, status)
			h.settled <- status
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		defer cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := pool.Stop(stopCtx); err != nil {
			t.Errorf("stop worker pool: %v", err)
		}
	})
}

func (h *cloneHarness) waitSettled(t *testing.T) models.CloneJobStatus {
	t.Helper()
	select {
	case status := <-h.settled:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for clone job to settle")
		return ""
	}
}

// serveRepos exposes env's repositories over smart HTTP.
func serveRepos(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	protocol.NewHandler(env.repos.Protocol(), protocol.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func assertNoStaging(t *testing.T, env *testEnv) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(env.storage, stagingDir))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staging to be empty, found %d entries", len(entries))
	}
}

func TestCloneImportsBranchesAndTags(t *testing.T) {
	src := setupTestEnv(t)
	src.createRepo(t, "upstream")
	c1 := src.write(t, "upstream", "trunk", "root", "README", "hello\n")
	c2 := src.write(t, "upstream", "trunk", c1, "src/app.go", "package app\n")
	f1 := src.write(t, "upstream", "feature", "root", "notes.txt", "wip\n")
	h, err := src.repos.AcquireWrite(src.ctx, "upstream")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Store.Refs.Set("refs/tags/v1", object.Hash(c1)); err != nil {
		t.Fatal(err)
	}
	if err := h.Store.Refs.SetDefaultBranch("trunk"); err != nil {
		t.Fatal(err)
	}
	h.Release()
	ts := serveRepos(t, src)

	dst := newCloneHarness(t)
	dst.startWorkers(t)
	job, err := dst.clones.Enqueue(dst.ctx, "mirror", CloneRequest{SourceURL: ts.URL + "/upstream.git", Description: "copy"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.CloneJobQueued {
		t.Fatalf("enqueued status = %s", job.Status)
	}
	if status := dst.waitSettled(t); status != models.CloneJobCompleted {
		latest, _ := dst.clones.Status(dst.ctx, "mirror")
		t.Fatalf("clone settled as %s: %+v", status, latest)
	}

	repo, err := dst.repos.Locate(dst.ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	if repo.DefaultBranch != "trunk" || repo.Description != "copy" {
		t.Fatalf("unexpected repository %+v", repo)
	}

	branches, err := dst.browse.ListBranches(dst.ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	want := []Branch{{Name: "feature", Commit: f1}, {Name: "trunk", Commit: c2, IsDefault: true}}
	if len(branches) != len(want) || branches[0] != want[0] || branches[1] != want[1] {
		t.Fatalf("branches = %+v, want %+v", branches, want)
	}
	tag, err := dst.browse.ResolveRevision(dst.ctx, "mirror", "v1")
	if err != nil || string(tag) != c1 {
		t.Fatalf("tag v1 = %s, %v", tag, err)
	}
	blob, err := dst.browse.ReadFile(dst.ctx, "mirror", "HEAD", "src/app.go")
	if err != nil || string(blob.Data) != "package app\n" {
		t.Fatalf("read cloned file: %v", err)
	}

	// Clones are independent: pushing through the API to the copy leaves
	// the source alone.
	dst.write(t, "mirror", "trunk", c2, "README", "hello world\n")
	head, err := src.browse.ResolveRevision(src.ctx, "upstream", "trunk")
	if err != nil || string(head) != c2 {
		t.Fatalf("source head = %s, %v", head, err)
	}
	assertNoStaging(t, dst.testEnv)

	latest, err := dst.clones.Status(dst.ctx, "mirror")
	if err != nil || latest.Status != models.CloneJobCompleted {
		t.Fatalf("latest job = %+v, %v", latest, err)
	}
}

func TestCloneEmptyRepository(t *testing.T) {
	src := setupTestEnv(t)
	src.createRepo(t, "blank")
	ts := serveRepos(t, src)

	dst := newCloneHarness(t)
	dst.startWorkers(t)
	if _, err := dst.clones.Enqueue(dst.ctx, "blank-copy", CloneRequest{SourceURL: ts.URL + "/blank.git"}); err != nil {
		t.Fatal(err)
	}
	if status := dst.waitSettled(t); status != models.CloneJobCompleted {
		t.Fatalf("clone settled as %s", status)
	}
	branches, err := dst.browse.ListBranches(dst.ctx, "blank-copy")
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 0 {
		t.Fatalf("branches = %+v", branches)
	}
}

func TestCloneMissingRemoteFailsWithoutRetry(t *testing.T) {
	src := setupTestEnv(t)
	ts := serveRepos(t, src)

	dst := newCloneHarness(t)
	dst.startWorkers(t)
	if _, err := dst.clones.Enqueue(dst.ctx, "orphan", CloneRequest{SourceURL: ts.URL + "/missing.git"}); err != nil {
		t.Fatal(err)
	}
	if status := dst.waitSettled(t); status != models.CloneJobFailed {
		t.Fatalf("clone settled as %s, want failed", status)
	}
	job, err := dst.clones.Status(dst.ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if job.AttemptCount != 1 || !strings.Contains(job.Error, "404") {
		t.Fatalf("unexpected failed job %+v", job)
	}
	if _, err := dst.repos.Get(dst.ctx, "orphan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get failed clone = %v, want ErrNotFound", err)
	}
	assertNoStaging(t, dst.testEnv)
	// The slug is released once the job fails.
	dst.createRepo(t, "orphan")
}

func TestCloneEnqueueValidation(t *testing.T) {
	dst := newCloneHarness(t)
	dst.createRepo(t, "taken")

	if _, err := dst.clones.Enqueue(dst.ctx, "x", CloneRequest{SourceURL: "ssh://git@example.com/x.git"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ssh source = %v, want ErrUnsupported", err)
	}
	if _, err := dst.clones.Enqueue(dst.ctx, "x", CloneRequest{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty source = %v, want ErrInvalidArgument", err)
	}
	if _, err := dst.clones.Enqueue(dst.ctx, "taken", CloneRequest{SourceURL: "https://example.com/x.git"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("existing slug = %v, want ErrAlreadyExists", err)
	}
	if _, err := dst.clones.Enqueue(dst.ctx, "fresh", CloneRequest{SourceURL: "https://example.com/x.git"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.clones.Enqueue(dst.ctx, "fresh", CloneRequest{SourceURL: "https://example.com/y.git"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second clone into pending slug = %v, want ErrAlreadyExists", err)
	}
	if _, err := dst.clones.Status(dst.ctx, "never"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status without job = %v, want ErrNotFound", err)
	}
}

func TestCloneCancelQueued(t *testing.T) {
	dst := newCloneHarness(t)
	job, err := dst.clones.Enqueue(dst.ctx, "later", CloneRequest{SourceURL: "https://example.com/x.git"})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := dst.clones.Cancel(dst.ctx, "later")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.ID != job.ID || cancelled.Status != models.CloneJobCancelled {
		t.Fatalf("cancelled job = %+v", cancelled)
	}
	if _, err := dst.clones.Cancel(dst.ctx, "later"); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel twice = %v, want ErrConflict", err)
	}
	dst.createRepo(t, "later")
}

func TestCloneCancelRunning(t *testing.T) {
	started := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	dst := newCloneHarness(t)
	dst.startWorkers(t)
	if _, err := dst.clones.Enqueue(dst.ctx, "slow", CloneRequest{SourceURL: ts.URL + "/slow.git"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("clone never contacted the remote")
	}
	job, err := dst.clones.Cancel(dst.ctx, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.CloneJobRunning {
		t.Fatalf("job status at cancel = %s", job.Status)
	}
	if status := dst.waitSettled(t); status != models.CloneJobCancelled {
		t.Fatalf("clone settled as %s, want cancelled", status)
	}
	assertNoStaging(t, dst.testEnv)
	dst.createRepo(t, "slow")
}
