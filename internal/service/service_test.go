package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/repohost/internal/database"
)

type testEnv struct {
	ctx     context.Context
	db      *database.SQLiteDB
	storage string
	repos   *RepoService
	browse  *BrowseService
	diffs   *DiffService
	commits *CommitService
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	storage := filepath.Join(root, "repos")
	repos := NewRepoService(db, storage, "main", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { repos.Close() })
	commits := NewCommitService(repos)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	commits.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return &testEnv{
		ctx:     ctx,
		db:      db,
		storage: storage,
		repos:   repos,
		browse:  NewBrowseService(repos),
		diffs:   NewDiffService(repos),
		commits: commits,
	}
}

func (e *testEnv) createRepo(t *testing.T, slug string) {
	t.Helper()
	if _, err := e.repos.Create(e.ctx, CreateRepoInput{Slug: slug}); err != nil {
		t.Fatalf("create %s: %v", slug, err)
	}
}

// write commits content at path on branch on top of parent ("root" for
// the first commit) and returns the new commit hash.
func (e *testEnv) write(t *testing.T, slug, branch, parent, path, content string) string {
	t.Helper()
	res, err := e.commits.Commit(e.ctx, slug, parent, CommitInput{
		Branch:  branch,
		Author:  "Ada",
		Email:   "ada@example.com",
		Message: "update " + path,
		Path:    path,
		Content: []byte(content),
	})
	if err != nil {
		t.Fatalf("commit %s: %v", path, err)
	}
	return res.Commit
}
