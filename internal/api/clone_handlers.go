package api

import (
	"net/http"

	"github.com/odvcencio/repohost/internal/service"
)

func (s *Server) clonesEnabled(w http.ResponseWriter) bool {
	if s.cloneSvc == nil {
		jsonError(w, codeUnsupported, "repository import is disabled", http.StatusNotImplemented)
		return false
	}
	return true
}

// POST /api/repo/{url}/clone
func (s *Server) handleStartClone(w http.ResponseWriter, r *http.Request) {
	if !s.clonesEnabled(w) {
		return
	}
	var req service.CloneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.cloneSvc.Enqueue(r.Context(), r.PathValue("url"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/repo/"+job.Slug+"/clone")
	jsonResponse(w, http.StatusAccepted, job)
}

// GET /api/repo/{url}/clone
func (s *Server) handleGetClone(w http.ResponseWriter, r *http.Request) {
	if !s.clonesEnabled(w) {
		return
	}
	job, err := s.cloneSvc.Status(r.Context(), r.PathValue("url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

// DELETE /api/repo/{url}/clone
func (s *Server) handleCancelClone(w http.ResponseWriter, r *http.Request) {
	if !s.clonesEnabled(w) {
		return
	}
	job, err := s.cloneSvc.Cancel(r.Context(), r.PathValue("url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, job)
}
