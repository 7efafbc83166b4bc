package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/odvcencio/repohost/internal/auth"
	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

type middlewareFunc func(http.Handler) http.Handler

// ServerOptions configures the HTTP surface. Zero values pick defaults:
// the global Prometheus registry and slog.Default.
type ServerOptions struct {
	Logger       *slog.Logger
	Protocol     protocol.Options
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
	CloneWorkers int
}

type Server struct {
	db        database.DB
	authSvc   *auth.Service
	repoSvc   *service.RepoService
	browseSvc *service.BrowseService
	diffSvc   *service.DiffService
	commitSvc *service.CommitService
	cloneSvc  *service.CloneService
	logger    *slog.Logger
	metrics   *httpMetrics
	gatherer  prometheus.Gatherer
	workers   int
	mux       *http.ServeMux
	handler   http.Handler
}

func NewServer(db database.DB, authSvc *auth.Service, repoSvc *service.RepoService, cloneSvc *service.CloneService, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:        db,
		authSvc:   authSvc,
		repoSvc:   repoSvc,
		browseSvc: service.NewBrowseService(repoSvc),
		diffSvc:   service.NewDiffService(repoSvc),
		commitSvc: service.NewCommitService(repoSvc),
		cloneSvc:  cloneSvc,
		logger:    logger,
		gatherer:  opts.Gatherer,
		workers:   opts.CloneWorkers,
		mux:       http.NewServeMux(),
	}
	if opts.Registerer != nil {
		s.metrics = newHTTPMetrics(opts.Registerer)
		if opts.Protocol.Metrics == nil {
			opts.Protocol.Metrics = protocol.NewMetrics(opts.Registerer)
		}
	} else {
		s.metrics = getDefaultHTTPMetrics()
	}
	s.routes(opts.Protocol)
	s.handler = chainMiddleware(s.mux,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(s.metrics, next) },
		requestLoggingMiddleware(logger),
		requestBodyLimitMiddleware,
		auth.Middleware(authSvc),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(protoOpts protocol.Options) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))

	// Repositories
	s.mux.HandleFunc("GET /api/repo", s.handleListRepos)
	s.mux.HandleFunc("POST /api/repo", s.requireAuth(s.handleCreateRepo))
	s.mux.HandleFunc("GET /api/repo/{url}", s.handleGetRepo)
	s.mux.HandleFunc("DELETE /api/repo/{url}", s.requireAuth(s.handleDeleteRepo))

	// Browsing
	s.mux.HandleFunc("GET /api/repo/{url}/branches", s.handleListBranches)
	s.mux.HandleFunc("GET /api/repo/{url}/tree/{sha}", s.handleListTree)
	s.mux.HandleFunc("GET /api/repo/{url}/tree/{sha}/{path...}", s.handleListTree)
	s.mux.HandleFunc("GET /api/repo/{url}/file/{sha}/{path...}", s.handleGetFile)
	s.mux.HandleFunc("GET /api/repo/{url}/commits/{rev}", s.handleListCommits)
	s.mux.HandleFunc("GET /api/repo/{url}/commit/{sha}", s.handleGetCommitDiff)
	s.mux.HandleFunc("GET /api/repo/{url}/diff/{range}", s.handleDiff)

	// Writes
	s.mux.HandleFunc("POST /api/repo/{url}/commit/{sha}", s.requireAuth(s.handleCreateCommit))
	s.mux.HandleFunc("POST /api/repo/{url}/clone", s.requireAuth(s.handleStartClone))
	s.mux.HandleFunc("GET /api/repo/{url}/clone", s.handleGetClone)
	s.mux.HandleFunc("DELETE /api/repo/{url}/clone", s.requireAuth(s.handleCancelClone))

	// Git smart HTTP
	if protoOpts.Logger == nil {
		protoOpts.Logger = s.logger
	}
	if protoOpts.Authorize == nil {
		protoOpts.Authorize = auth.ProtocolAuthorizer(s.authSvc)
	}
	onPush := protoOpts.OnPush
	protoOpts.OnPush = func(ctx context.Context, slug string, updates []protocol.RefUpdate) {
		if err := s.repoSvc.Touch(ctx, slug); err != nil {
			s.logger.Warn("touch repository after push", slog.String("repo", slug), slog.String("error", err.Error()))
		}
		if onPush != nil {
			onPush(ctx, slug, updates)
		}
	}
	protocol.NewHandler(s.repoSvc.Protocol(), protoOpts).RegisterRoutes(s.mux)
}

func (s *Server) requireAuth(fn http.HandlerFunc) http.HandlerFunc {
	return auth.RequireAuth(s.authSvc)(fn).ServeHTTP
}

// chainMiddleware wraps h so the first middleware is outermost. Each
// middleware is built once.
func chainMiddleware(h http.Handler, mws ...middlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
