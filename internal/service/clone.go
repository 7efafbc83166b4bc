package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/repohost/internal/jobs"
	"github.com/odvcencio/repohost/internal/models"
	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/refs"
	"github.com/odvcencio/repohost/internal/repostore"
)

// CloneRequest asks for a remote repository to be imported.
type CloneRequest struct {
	SourceURL   string `json:"source_url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectID   string `json:"project_id"`
}

var errCloneCancelled = fmt.Errorf("%w: clone cancelled by request", ErrCancelled)

// CloneService imports remote repositories in the background. A clone
// assembles the repository in a staging directory and publishes it only
// once every object and reference is in place.
type CloneService struct {
	repos  *RepoService
	queue  *jobs.Queue
	client *protocol.Client
	logger *slog.Logger

	mu      sync.Mutex
	held    map[string]string                  // slug -> job holding its reservation
	running map[string]context.CancelCauseFunc // job ID -> cancel
}

func NewCloneService(repos *RepoService, queue *jobs.Queue, client *protocol.Client, logger *slog.Logger) *CloneService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloneService{
		repos:   repos,
		queue:   queue,
		client:  client,
		logger:  logger,
		held:    make(map[string]string),
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Enqueue reserves slug and queues an import of req.SourceURL into it.
func (s *CloneService) Enqueue(ctx context.Context, slug string, req CloneRequest) (*models.CloneJob, error) {
	if err := validateSourceURL(req.SourceURL); err != nil {
		return nil, err
	}
	if err := s.repos.Reserve(ctx, slug); err != nil {
		return nil, err
	}

	job := &models.CloneJob{
		Slug:        slug,
		SourceURL:   strings.TrimSpace(req.SourceURL),
		Name:        req.Name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
	}
	// Held across the insert so a worker cannot claim the job before the
	// reservation is attributed to it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.repos.Release(slug)
		return nil, fmt.Errorf("enqueue clone: %w", err)
	}
	s.held[slug] = job.ID
	s.logger.Info("clone queued", slog.String("repo", slug), slog.String("job_id", job.ID))
	return job, nil
}

// Status returns the newest clone job for slug.
func (s *CloneService) Status(ctx context.Context, slug string) (*models.CloneJob, error) {
	job, err := s.queue.Latest(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("clone status: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: no clone job for %q", ErrNotFound, slug)
	}
	return job, nil
}

// Cancel stops the newest clone job for slug. A queued job is cancelled
// at once; a running one is interrupted and settles as cancelled.
func (s *CloneService) Cancel(ctx context.Context, slug string) (*models.CloneJob, error) {
	job, err := s.Status(ctx, slug)
	if err != nil {
		return nil, err
	}
	if job.Status == models.CloneJobQueued {
		ok, err := s.queue.CancelQueued(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("cancel clone: %w", err)
		}
		if ok {
			s.releaseFor(job)
			job.Status = models.CloneJobCancelled
			return job, nil
		}
		// Claimed in the meantime.
		if job, err = s.Status(ctx, slug); err != nil {
			return nil, err
		}
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: clone job %s already %s", ErrConflict, job.ID, job.Status)
	}

	s.mu.Lock()
	cancel, ok := s.running[job.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: clone job %s is not running in this process", ErrConflict, job.ID)
	}
	cancel(errCloneCancelled)
	return job, nil
}

// Run executes one attempt of a clone job. It is the worker pool's
// processor.
func (s *CloneService) Run(ctx context.Context, job *models.CloneJob) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	if err := s.hold(ctx, job); err != nil {
		return jobs.Permanent(err)
	}

	staging := s.repos.StagingPath(job.ID)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	err := s.fetchInto(ctx, job, staging)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		_, err = s.repos.Install(ctx, CreateRepoInput{
			Slug:        job.Slug,
			Name:        job.Name,
			Description: job.Description,
			ProjectID:   job.ProjectID,
		}, staging)
	}
	if err != nil {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			s.logger.Error("remove clone staging", slog.String("job_id", job.ID), slog.String("error", rmErr.Error()))
		}
		return s.attemptError(ctx, err)
	}
	s.logger.Info("clone installed", slog.String("repo", job.Slug), slog.String("job_id", job.ID))
	return nil
}

// Settle releases the slug reservation once a job reaches a terminal
// state. It is the worker pool's settle hook.
func (s *CloneService) Settle(_ context.Context, job *models.CloneJob, status models.CloneJobStatus) {
	if status.Terminal() {
		s.releaseFor(job)
	}
}

func (s *CloneService) releaseFor(job *models.CloneJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[job.Slug] != job.ID {
		return
	}
	delete(s.held, job.Slug)
	s.repos.Release(job.Slug)
}

// hold makes sure this job owns the slug reservation. After a restart
// the in-memory reservation is gone and is taken again here.
func (s *CloneService) hold(ctx context.Context, job *models.CloneJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[job.Slug] == job.ID {
		return nil
	}
	if err := s.repos.Reserve(ctx, job.Slug); err != nil {
		return err
	}
	s.held[job.Slug] = job.ID
	return nil
}

// attemptError classifies a failed attempt for the worker pool:
// cancellation ends the job, protocol and data errors are permanent,
// everything else is retried.
func (s *CloneService) attemptError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errCloneCancelled) {
		return fmt.Errorf("%w: %w", jobs.ErrJobCancelled, errCloneCancelled)
	}
	err = classify(err)
	var status *protocol.StatusError
	switch {
	case errors.As(err, &status) && !status.Temporary():
		return jobs.Permanent(err)
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrCorruptData),
		errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidArgument):
		return jobs.Permanent(err)
	}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		return jobs.Permanent(err)
	}
	return err
}

// fetchInto builds a complete bare repository at staging from the remote.
func (s *CloneService) fetchInto(ctx context.Context, job *models.CloneJob, staging string) error {
	adv, err := s.client.Discover(ctx, job.SourceURL, protocol.ServiceUploadPack)
	if err != nil {
		return fmt.Errorf("discover remote: %w", err)
	}
	imported := importableRefs(adv.Refs)
	repo, err := repostore.Init(staging, defaultBranchFor(adv, imported, s.repos.defaultBranch))
	if err != nil {
		return fmt.Errorf("init staging: %w", err)
	}
	defer repo.Close()

	wants := uniqueTips(imported)
	if len(wants) > 0 {
		if err := s.fetchPack(ctx, repo, adv, wants); err != nil {
			return err
		}
		verified := make(map[object.Hash]struct{})
		for _, tip := range wants {
			var walked []object.Hash
			for h, err := range repo.Objects.IterateReachable(ctx, []object.Hash{tip}, verified) {
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("%w: remote pack is incomplete at %s: %w", ErrCorruptData, tip, err)
				}
				walked = append(walked, h)
			}
			for _, h := range walked {
				verified[h] = struct{}{}
			}
		}
	}

	for name, h := range imported {
		if err := repo.Refs.Set(name, h); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "clone fetched",
		slog.String("operation", "clone"),
		slog.String("job_id", job.ID),
		slog.Int("refs", len(imported)),
		slog.Int("tips", len(wants)))
	return nil
}

func (s *CloneService) fetchPack(ctx context.Context, repo *repostore.Repo, adv *protocol.Advertisement, wants []object.Hash) error {
	tmp, err := os.CreateTemp(filepath.Join(repo.Objects.Root(), "pack"), "fetch-*.pack")
	if err != nil {
		return fmt.Errorf("create pack file: %w", err)
	}
	err = s.client.FetchPack(ctx, adv, wants, nil, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fetch pack: %w", err)
	}
	if _, err := repo.Objects.IngestPack(tmp.Name()); err != nil {
		return fmt.Errorf("index fetched pack: %w", err)
	}
	return nil
}

func validateSourceURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: source_url is required", ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" && (u.Scheme == "http" || u.Scheme == "https") {
		return fmt.Errorf("%w: source_url %q is not a valid URL", ErrInvalidArgument, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https remotes can be cloned", ErrUnsupported)
	}
	return nil
}

// importableRefs keeps the remote's branches and tags.
func importableRefs(remote map[string]object.Hash) map[string]object.Hash {
	out := make(map[string]object.Hash, len(remote))
	for name, h := range remote {
		if !strings.HasPrefix(name, refs.HeadsPrefix) && !strings.HasPrefix(name, refs.TagsPrefix) {
			continue
		}
		if refs.ValidateName(name) != nil || h.IsZero() {
			continue
		}
		out[name] = h
	}
	return out
}

func uniqueTips(m map[string]object.Hash) []object.Hash {
	seen := make(map[object.Hash]bool, len(m))
	out := make([]object.Hash, 0, len(m))
	for _, h := range m {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// defaultBranchFor follows the remote HEAD symref when it names an
// imported branch, then falls back to fallback, then the first branch.
func defaultBranchFor(adv *protocol.Advertisement, imported map[string]object.Hash, fallback string) string {
	if _, ok := imported[adv.HeadTarget]; ok && strings.HasPrefix(adv.HeadTarget, refs.HeadsPrefix) {
		return strings.TrimPrefix(adv.HeadTarget, refs.HeadsPrefix)
	}
	if _, ok := imported[refs.HeadsPrefix+fallback]; ok {
		return fallback
	}
	var heads []string
	for name := range imported {
		if strings.HasPrefix(name, refs.HeadsPrefix) {
			heads = append(heads, strings.TrimPrefix(name, refs.HeadsPrefix))
		}
	}
	if len(heads) == 0 {
		return fallback
	}
	sort.Strings(heads)
	return heads[0]
}
