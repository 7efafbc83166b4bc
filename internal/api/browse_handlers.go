package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/odvcencio/repohost/internal/service"
)

const maxLogLimit = 1000

type diffResponse struct {
	Base  string               `json:"base"`
	Head  string               `json:"head"`
	Files []service.FileChange `json:"files"`
}

// GET /api/repo/{url}/branches
func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.browseSvc.ListBranches(r.Context(), r.PathValue("url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, branches)
}

// GET /api/repo/{url}/tree/{sha}/{path...}
func (s *Server) handleListTree(w http.ResponseWriter, r *http.Request) {
	entries, err := s.browseSvc.ListTree(r.Context(), r.PathValue("url"), r.PathValue("sha"), r.PathValue("path"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

// GET /api/repo/{url}/file/{sha}/{path...}
// The body is the raw blob.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	blob, err := s.browseSvc.ReadFile(r.Context(), r.PathValue("url"), r.PathValue("sha"), r.PathValue("path"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if blob.Binary {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(blob.Size))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("ETag", `"`+blob.Hash+`"`)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(blob.Data)
	}
}

// GET /api/repo/{url}/commits/{rev}?limit=
func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseOptionalQueryPositiveInt(w, r, "limit", "limit", 50)
	if !ok {
		return
	}
	limit = min(limit, maxLogLimit)

	commits, err := s.browseSvc.ListCommits(r.Context(), r.PathValue("url"), r.PathValue("rev"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, commits)
}

// GET /api/repo/{url}/commit/{sha}
func (s *Server) handleGetCommitDiff(w http.ResponseWriter, r *http.Request) {
	result, err := s.diffSvc.DiffCommit(r.Context(), r.PathValue("url"), r.PathValue("sha"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

// GET /api/repo/{url}/diff/{range}
// range is "base...head" where base and head are refs or commit hashes
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	base, head, ok := strings.Cut(r.PathValue("range"), "...")
	if !ok || base == "" || head == "" {
		badRequest(w, "diff range must be base...head")
		return
	}

	files, err := s.diffSvc.Diff(r.Context(), r.PathValue("url"), base, head)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, diffResponse{Base: base, Head: head, Files: files})
}
