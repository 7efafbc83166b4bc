package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/repohost/internal/repostore"
)

// ErrRepositoryNotFound is returned by Repositories for unknown slugs.
var ErrRepositoryNotFound = errors.New("repository not found")

// ErrRepositoryBusy is returned by Repositories when a repository cannot
// be opened because it is being deleted or created.
var ErrRepositoryBusy = errors.New("repository busy")

// Repositories opens repositories for the duration of one protocol
// session. The returned release func must be called exactly once.
type Repositories interface {
	OpenRead(ctx context.Context, slug string) (*repostore.Repo, func(), error)
	OpenWrite(ctx context.Context, slug string) (*repostore.Repo, func(), error)
}

type Options struct {
	Agent                 string
	MaxPushBytes          int64
	MaxUploadRequestBytes int64
	// Authorize returns the HTTP status to reply with when access is
	// denied. Nil allows everything.
	Authorize func(r *http.Request, slug string, write bool) (int, error)
	// OnPush runs after a push that changed at least one reference.
	OnPush  func(ctx context.Context, slug string, updates []RefUpdate)
	Logger  *slog.Logger
	Metrics *Metrics
}

// Handler implements the git smart HTTP protocol.
type Handler struct {
	repos Repositories
	opts  Options
}

func NewHandler(repos Repositories, opts Options) *Handler {
	if opts.Agent == "" {
		opts.Agent = "repohost/1.0"
	}
	if opts.MaxPushBytes <= 0 {
		opts.MaxPushBytes = 256 << 20
	}
	if opts.MaxUploadRequestBytes <= 0 {
		opts.MaxUploadRequestBytes = 8 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{repos: repos, opts: opts}
}

// RegisterRoutes sets up git smart HTTP protocol routes under /{slug}.git/.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{repo}/info/refs", h.handleInfoRefs)
	mux.HandleFunc("GET /{repo}/HEAD", h.handleHead)
	mux.HandleFunc("POST /{repo}/git-upload-pack", h.handleUploadPack)
	mux.HandleFunc("POST /{repo}/git-receive-pack", h.handleReceivePack)
}

func repoSlug(r *http.Request) (string, bool) {
	slug, ok := strings.CutSuffix(r.PathValue("repo"), ".git")
	return slug, ok && slug != ""
}

// GET /{slug}.git/info/refs?service=git-upload-pack|git-receive-pack
func (h *Handler) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	slug, ok := repoSlug(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	svc := r.URL.Query().Get("service")
	if svc != ServiceUploadPack && svc != ServiceReceivePack {
		http.Error(w, "unsupported service: only smart HTTP is offered", http.StatusForbidden)
		return
	}
	write := svc == ServiceReceivePack
	if !h.authorizeRequest(w, r, slug, write) {
		return
	}

	repo, release, ok := h.open(w, r, slug, false)
	if !ok {
		return
	}
	defer release()
	defer h.opts.Metrics.session("info-refs")()

	w.Header().Set("Content-Type", "application/x-"+svc+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	if err := h.writeAdvertisement(w, repo, svc); err != nil {
		h.opts.Logger.Error("write ref advertisement", slog.String("repo", slug), slog.String("error", err.Error()))
	}
}

// GET /{slug}.git/HEAD
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	slug, ok := repoSlug(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !h.authorizeRequest(w, r, slug, false) {
		return
	}
	repo, release, ok := h.open(w, r, slug, false)
	if !ok {
		return
	}
	defer release()
	branch, err := repo.Refs.DefaultBranch()
	if err != nil {
		http.Error(w, "HEAD unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ref: refs/heads/"+branch+"\n")
}

// POST /{slug}.git/git-upload-pack
func (h *Handler) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	slug, ok := repoSlug(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !h.authorizeRequest(w, r, slug, false) {
		return
	}
	body, err := requestBody(w, r, h.opts.MaxUploadRequestBytes)
	if err != nil {
		http.Error(w, "invalid request encoding", http.StatusBadRequest)
		return
	}
	defer body.Close()

	req, err := parseUploadRequest(bufio.NewReader(body))
	if err != nil {
		switch {
		case isRequestTooLarge(err):
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, ErrUnsupported):
			w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
			writePktLine(w, "ERR upload-pack: "+err.Error()+"\n")
		default:
			http.Error(w, "protocol error", http.StatusBadRequest)
		}
		return
	}

	repo, release, ok := h.open(w, r, slug, false)
	if !ok {
		return
	}
	defer release()
	defer h.opts.Metrics.session(ServiceUploadPack)()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := h.uploadPack(r.Context(), repo, req, w); err != nil {
		h.opts.Logger.Warn("upload-pack session ended with error", slog.String("repo", slug), slog.String("error", err.Error()))
	}
}

// POST /{slug}.git/git-receive-pack
func (h *Handler) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	slug, ok := repoSlug(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !h.authorizeRequest(w, r, slug, true) {
		return
	}
	body, err := requestBody(w, r, h.opts.MaxPushBytes)
	if err != nil {
		http.Error(w, "invalid request encoding", http.StatusBadRequest)
		return
	}
	defer body.Close()
	br := bufio.NewReaderSize(body, 64<<10)

	cmds, caps, err := parseCommands(br)
	if err != nil {
		switch {
		case isRequestTooLarge(err):
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, ErrUnsupported):
			http.Error(w, err.Error(), http.StatusNotImplemented)
		default:
			http.Error(w, "protocol error", http.StatusBadRequest)
		}
		return
	}

	repo, release, ok := h.open(w, r, slug, true)
	if !ok {
		return
	}
	defer release()
	defer h.opts.Metrics.session(ServiceReceivePack)()

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if len(cmds) == 0 {
		return
	}

	report := h.receivePack(r.Context(), repo, cmds, br)
	if isRequestTooLarge(report.err) {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if _, ok := caps["report-status"]; ok {
		_, large := caps["side-band-64k"]
		_, small := caps["side-band"]
		if err := writeReport(w, report, large || small, large); err != nil {
			h.opts.Logger.Warn("write push report", slog.String("repo", slug), slog.String("error", err.Error()))
		}
	}

	var applied []RefUpdate
	for i, res := range report.Results {
		if res.Reason == "" {
			applied = append(applied, cmds[i])
		}
	}
	if len(applied) > 0 && h.opts.OnPush != nil {
		h.opts.OnPush(context.WithoutCancel(r.Context()), slug, applied)
	}
	h.opts.Logger.Info("receive-pack completed",
		slog.String("repo", slug),
		slog.Int("commands", len(cmds)),
		slog.Int("applied", len(applied)),
		slog.String("unpack", report.UnpackError))
}

// open acquires the repository and writes the error response itself
// when that fails.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, slug string, write bool) (*repostore.Repo, func(), bool) {
	var (
		repo    *repostore.Repo
		release func()
		err     error
	)
	if write {
		repo, release, err = h.repos.OpenWrite(r.Context(), slug)
	} else {
		repo, release, err = h.repos.OpenRead(r.Context(), slug)
	}
	if err == nil {
		return repo, release, true
	}
	switch {
	case errors.Is(err, ErrRepositoryNotFound):
		http.Error(w, "repository not found", http.StatusNotFound)
	case errors.Is(err, ErrRepositoryBusy):
		http.Error(w, "repository busy", http.StatusLocked)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.opts.Logger.Error("open repository", slog.String("repo", slug), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	return nil, nil, false
}

func (h *Handler) authorizeRequest(w http.ResponseWriter, r *http.Request, slug string, write bool) bool {
	if h.opts.Authorize == nil {
		return true
	}
	status, err := h.opts.Authorize(r, slug, write)
	if err == nil {
		return true
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="repohost"`)
	}
	http.Error(w, err.Error(), status)
	return false
}

// requestBody applies the size limit and undoes gzip Content-Encoding,
// which git uses for large negotiation requests.
func requestBody(w http.ResponseWriter, r *http.Request, limit int64) (io.ReadCloser, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return body, nil
	}
	gz, err := gzip.NewReader(body)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &gzipBody{Reader: gz, body: body}, nil
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
