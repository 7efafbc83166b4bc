package api

import (
	"net/http"

	"github.com/odvcencio/repohost/internal/service"
)

type createRepoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	ProjectID   string `json:"projectId"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		badRequest(w, "url is required")
		return
	}
	name := req.Name
	if name == "" {
		name = req.URL
	}

	repo, err := s.repoSvc.Create(r.Context(), service.CreateRepoInput{
		Slug:        req.URL,
		Name:        name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, repo)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoSvc.Get(r.Context(), r.PathValue("url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, repo)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	win := parsePagination(r, 100, 500)
	repos, err := s.repoSvc.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, paginateSlice(w, repos, win))
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.repoSvc.Delete(r.Context(), r.PathValue("url")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
