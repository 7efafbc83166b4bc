package repostore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/refs"
)

// ErrNotRepository is returned by Open for a directory without a HEAD.
var ErrNotRepository = errors.New("not a repository")

const bareConfig = "[core]\n\trepositoryformatversion = 0\n\tfilemode = true\n\tbare = true\n"

// Repo gives access to a bare repository's object store and refs. Each
// repository gets its own Repo rooted at its storage path, laid out so
// stock git tooling can read it.
type Repo struct {
	Objects *object.Store
	Refs    *refs.Store
	root    string
}

// Init creates an empty bare repository at repoPath with HEAD pointing at
// defaultBranch. The directory must not already hold a repository.
func Init(repoPath, defaultBranch string) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(repoPath, "HEAD")); err == nil {
		return nil, fmt.Errorf("init %s: repository already exists", repoPath)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("init %s: %w", repoPath, err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "config"), []byte(bareConfig), 0o644); err != nil {
		return nil, fmt.Errorf("init %s: %w", repoPath, err)
	}
	r := refs.New(repoPath)
	if err := r.Init(defaultBranch); err != nil {
		return nil, fmt.Errorf("init %s: %w", repoPath, err)
	}
	objects, err := object.Open(filepath.Join(repoPath, "objects"))
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", repoPath, err)
	}
	return &Repo{Objects: objects, Refs: r, root: repoPath}, nil
}

// Open opens an existing bare repository.
func Open(repoPath string) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(repoPath, "HEAD")); err != nil {
		return nil, fmt.Errorf("open %s: %w", repoPath, ErrNotRepository)
	}
	objects, err := object.Open(filepath.Join(repoPath, "objects"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", repoPath, err)
	}
	return &Repo{Objects: objects, Refs: refs.New(repoPath), root: repoPath}, nil
}

// Root returns the bare repository root path.
func (r *Repo) Root() string { return r.root }

// Close releases open pack files.
func (r *Repo) Close() error { return r.Objects.Close() }
