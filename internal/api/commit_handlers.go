package api

import (
	"encoding/base64"
	"net/http"

	"github.com/odvcencio/repohost/internal/service"
)

type createCommitRequest struct {
	Branch   string `json:"branch"`
	Author   string `json:"author"`
	Email    string `json:"email"`
	Message  string `json:"message"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "" or "utf-8" (default), "base64"
	Delete   bool   `json:"delete"`
}

// POST /api/repo/{url}/commit/{sha}
// sha is the expected parent: the branch's current head, or "root" or
// the zero hash for its first commit.
func (s *Server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var req createCommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var content []byte
	switch req.Encoding {
	case "", "utf-8":
		content = []byte(req.Content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			badRequest(w, "content is not valid base64")
			return
		}
		content = decoded
	default:
		badRequest(w, "unsupported content encoding "+req.Encoding)
		return
	}

	res, err := s.commitSvc.Commit(r.Context(), r.PathValue("url"), r.PathValue("sha"), service.CommitInput{
		Branch:  req.Branch,
		Author:  req.Author,
		Email:   req.Email,
		Message: req.Message,
		Path:    req.Path,
		Content: content,
		Delete:  req.Delete,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, res)
}
