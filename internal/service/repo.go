package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/models"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/repostore"
)

var validSlug = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxSlugLen = 100

// stagingDir holds clones in progress. Slugs cannot start with a dot, so
// it never collides with a repository directory.
const stagingDir = ".staging"

// ValidateSlug checks that slug can name a repository on disk and in URLs.
func ValidateSlug(slug string) error {
	if len(slug) > maxSlugLen || !validSlug.MatchString(slug) || strings.HasSuffix(slug, ".git") {
		return fmt.Errorf("%w: invalid repository slug %q", ErrInvalidArgument, slug)
	}
	return nil
}

// CreateRepoInput describes a repository to create or import.
type CreateRepoInput struct {
	Slug        string
	Name        string
	Description string
	ProjectID   string
}

type repoLock struct {
	sync.RWMutex
	deleted bool // set under the write lock once storage is gone
}

// RepoService owns repository metadata, storage roots and the
// per-repository reader/writer locks every other component goes through.
type RepoService struct {
	db            database.DB
	storagePath   string
	defaultBranch string
	logger        *slog.Logger

	mu       sync.Mutex
	locks    map[string]*repoLock
	reserved map[string]struct{}
	stores   map[string]*repostore.Repo
}

func NewRepoService(db database.DB, storagePath, defaultBranch string, logger *slog.Logger) *RepoService {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RepoService{
		db:            db,
		storagePath:   storagePath,
		defaultBranch: defaultBranch,
		logger:        logger,
		locks:         make(map[string]*repoLock),
		reserved:      make(map[string]struct{}),
		stores:        make(map[string]*repostore.Repo),
	}
}

func (s *RepoService) repoPath(slug string) string {
	return filepath.Join(s.storagePath, slug+".git")
}

// StagingPath returns the scratch directory for an import job.
func (s *RepoService) StagingPath(jobID string) string {
	return filepath.Join(s.storagePath, stagingDir, jobID)
}

// Reserve claims slug for a repository that does not exist yet. A
// reserved slug makes Create fail with ErrAlreadyExists but stays
// invisible to Get, Locate and List until Install publishes it.
func (s *RepoService) Reserve(ctx context.Context, slug string) error {
	if err := ValidateSlug(slug); err != nil {
		return err
	}
	s.mu.Lock()
	if _, taken := s.reserved[slug]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: repository %q is being created", ErrAlreadyExists, slug)
	}
	s.reserved[slug] = struct{}{}
	s.mu.Unlock()

	if _, err := s.db.GetRepositoryBySlug(ctx, slug); err == nil {
		s.Release(slug)
		return fmt.Errorf("%w: repository %q", ErrAlreadyExists, slug)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.Release(slug)
		return classify(fmt.Errorf("look up repository: %w", err))
	}
	if _, err := os.Stat(s.repoPath(slug)); err == nil {
		s.Release(slug)
		return fmt.Errorf("%w: storage for %q already present", ErrAlreadyExists, slug)
	}
	return nil
}

// Release drops a reservation taken by Reserve.
func (s *RepoService) Release(slug string) {
	s.mu.Lock()
	delete(s.reserved, slug)
	s.mu.Unlock()
}

// Create initializes an empty bare repository and records it.
func (s *RepoService) Create(ctx context.Context, in CreateRepoInput) (*models.Repository, error) {
	if err := s.Reserve(ctx, in.Slug); err != nil {
		return nil, err
	}
	defer s.Release(in.Slug)

	path := s.repoPath(in.Slug)
	store, err := repostore.Init(path, s.defaultBranch)
	if err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("init repo store: %w", err)
	}
	store.Close()

	repo, err := s.record(ctx, in, s.defaultBranch, path)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	s.logger.Info("repository created", slog.String("repo", repo.Slug))
	return repo, nil
}

// Install publishes a repository assembled at stagedPath under a slug
// the caller holds a reservation for.
func (s *RepoService) Install(ctx context.Context, in CreateRepoInput, stagedPath string) (*models.Repository, error) {
	s.mu.Lock()
	_, held := s.reserved[in.Slug]
	s.mu.Unlock()
	if !held {
		return nil, fmt.Errorf("install %q: slug is not reserved", in.Slug)
	}

	staged, err := repostore.Open(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("install %q: %w", in.Slug, err)
	}
	branch, err := staged.Refs.DefaultBranch()
	staged.Close()
	if err != nil {
		return nil, fmt.Errorf("install %q: %w", in.Slug, err)
	}

	path := s.repoPath(in.Slug)
	if err := os.Rename(stagedPath, path); err != nil {
		return nil, fmt.Errorf("install %q: %w", in.Slug, err)
	}
	repo, err := s.record(ctx, in, branch, path)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return repo, nil
}

func (s *RepoService) record(ctx context.Context, in CreateRepoInput, branch, path string) (*models.Repository, error) {
	name := in.Name
	if name == "" {
		name = in.Slug
	}
	repo := &models.Repository{
		Slug:          in.Slug,
		Name:          name,
		Description:   in.Description,
		ProjectID:     in.ProjectID,
		DefaultBranch: branch,
		StoragePath:   path,
	}
	// Rollback must run even when the request context is already gone.
	if err := s.db.CreateRepository(context.WithoutCancel(ctx), repo); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: repository %q", ErrAlreadyExists, in.Slug)
		}
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return repo, nil
}

// Get returns repository metadata.
func (s *RepoService) Get(ctx context.Context, slug string) (*models.Repository, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, fmt.Errorf("%w: repository %q", ErrNotFound, slug)
	}
	repo, err := s.db.GetRepositoryBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: repository %q", ErrNotFound, slug)
		}
		return nil, classify(fmt.Errorf("get repo: %w", err))
	}
	return repo, nil
}

// Locate returns the repository and checks its storage root is present.
func (s *RepoService) Locate(ctx context.Context, slug string) (*models.Repository, error) {
	repo, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(repo.StoragePath, "HEAD")); err != nil {
		return nil, fmt.Errorf("%w: storage for %q is missing", ErrNotFound, slug)
	}
	return repo, nil
}

func (s *RepoService) List(ctx context.Context) ([]models.Repository, error) {
	repos, err := s.db.ListRepositories(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("list repos: %w", err))
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Slug < repos[j].Slug })
	return repos, nil
}

// Touch bumps updated_at after a push or API commit.
func (s *RepoService) Touch(ctx context.Context, slug string) error {
	repo, err := s.Get(ctx, slug)
	if err != nil {
		return err
	}
	return s.db.TouchRepository(ctx, repo.ID)
}

// Delete removes a repository. It fails with ErrBusy instead of waiting
// when any session holds the repository.
func (s *RepoService) Delete(ctx context.Context, slug string) error {
	repo, err := s.Get(ctx, slug)
	if err != nil {
		return err
	}
	lock := s.lockFor(slug)
	if !lock.TryLock() {
		return fmt.Errorf("%w: %q has an open session", ErrBusy, slug)
	}
	defer lock.Unlock()
	if lock.deleted {
		return fmt.Errorf("%w: repository %q", ErrNotFound, slug)
	}

	s.mu.Lock()
	if store, ok := s.stores[slug]; ok {
		store.Close()
		delete(s.stores, slug)
	}
	s.mu.Unlock()

	// Move storage aside first so a failed row delete can be undone.
	trash := filepath.Join(s.storagePath, stagingDir, "delete-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(trash), 0o755); err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	if err := os.Rename(repo.StoragePath, trash); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete repo: %w", err)
	}
	if err := s.db.DeleteRepository(context.WithoutCancel(ctx), repo.ID); err != nil {
		if rerr := os.Rename(trash, repo.StoragePath); rerr != nil {
			s.logger.Error("restore storage after failed delete", slog.String("repo", slug), slog.String("error", rerr.Error()))
		}
		return fmt.Errorf("delete repo: %w", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("remove deleted repository storage", slog.String("repo", slug), slog.String("error", err.Error()))
	}

	lock.deleted = true
	s.mu.Lock()
	if s.locks[slug] == lock {
		delete(s.locks, slug)
	}
	s.mu.Unlock()
	s.logger.Info("repository deleted", slog.String("repo", slug))
	return nil
}

func (s *RepoService) lockFor(slug string) *repoLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[slug]
	if !ok {
		l = &repoLock{}
		s.locks[slug] = l
	}
	return l
}

// Handle is an open repository held under its lock until Release.
type Handle struct {
	Repository *models.Repository
	Store      *repostore.Repo
	release    func()
	once       sync.Once
}

func (h *Handle) Release() { h.once.Do(h.release) }

// AcquireRead opens a repository under the shared lock.
func (s *RepoService) AcquireRead(ctx context.Context, slug string) (*Handle, error) {
	return s.acquire(ctx, slug, false)
}

// AcquireWrite opens a repository under the exclusive lock.
func (s *RepoService) AcquireWrite(ctx context.Context, slug string) (*Handle, error) {
	return s.acquire(ctx, slug, true)
}

func (s *RepoService) acquire(ctx context.Context, slug string, write bool) (*Handle, error) {
	repo, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(slug)
	unlock := lock.RUnlock
	if write {
		lock.Lock()
		unlock = lock.Unlock
	} else {
		lock.RLock()
	}
	if lock.deleted {
		unlock()
		return nil, fmt.Errorf("%w: repository %q", ErrNotFound, slug)
	}
	if err := ctx.Err(); err != nil {
		unlock()
		return nil, classify(err)
	}
	store, err := s.openStore(repo)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Handle{Repository: repo, Store: store, release: unlock}, nil
}

// openStore returns the cached store for a repository. The cache keeps
// one refs.Store per repository so its in-process ref mutex is shared.
func (s *RepoService) openStore(repo *models.Repository) (*repostore.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[repo.Slug]; ok {
		return store, nil
	}
	store, err := repostore.Open(repo.StoragePath)
	if err != nil {
		if errors.Is(err, repostore.ErrNotRepository) {
			return nil, fmt.Errorf("%w: storage for %q is missing", ErrNotFound, repo.Slug)
		}
		return nil, fmt.Errorf("open repo store: %w", err)
	}
	s.stores[repo.Slug] = store
	return store, nil
}

// Close releases every cached store.
func (s *RepoService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for slug, store := range s.stores {
		errs = append(errs, store.Close())
		delete(s.stores, slug)
	}
	return errors.Join(errs...)
}

// Protocol adapts the service to the git protocol handler.
func (s *RepoService) Protocol() protocol.Repositories {
	return protocolRepos{s}
}

type protocolRepos struct{ s *RepoService }

func (p protocolRepos) OpenRead(ctx context.Context, slug string) (*repostore.Repo, func(), error) {
	return p.open(ctx, slug, false)
}

func (p protocolRepos) OpenWrite(ctx context.Context, slug string) (*repostore.Repo, func(), error) {
	return p.open(ctx, slug, true)
}

func (p protocolRepos) open(ctx context.Context, slug string, write bool) (*repostore.Repo, func(), error) {
	h, err := p.s.acquire(ctx, slug, write)
	switch {
	case err == nil:
		return h.Store, h.Release, nil
	case errors.Is(err, ErrNotFound):
		return nil, nil, protocol.ErrRepositoryNotFound
	case errors.Is(err, ErrBusy):
		return nil, nil, protocol.ErrRepositoryBusy
	case errors.Is(err, ErrCancelled):
		return nil, nil, context.Canceled
	default:
		return nil, nil, err
	}
}
