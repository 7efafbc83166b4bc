package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odvcencio/repohost/internal/service"
)

const (
	codeNotFound        = "not_found"
	codeAlreadyExists   = "already_exists"
	codeConflict        = "conflict"
	codeCorruptData     = "corrupt_data"
	codeBusy            = "busy"
	codeUnsupported     = "unsupported"
	codeCancelled       = "cancelled"
	codeInvalidArgument = "invalid_argument"
	codeUnauthorized    = "unauthorized"
	codeInternal        = "internal"
)

// statusClientClosedRequest is the nginx convention for a client that
// went away before the response.
const statusClientClosedRequest = 499

var errorKinds = []struct {
	err    error
	code   string
	status int
}{
	{service.ErrNotFound, codeNotFound, http.StatusNotFound},
	{service.ErrAlreadyExists, codeAlreadyExists, http.StatusConflict},
	{service.ErrConflict, codeConflict, http.StatusConflict},
	{service.ErrCorruptData, codeCorruptData, http.StatusUnprocessableEntity},
	{service.ErrBusy, codeBusy, http.StatusLocked},
	{service.ErrUnsupported, codeUnsupported, http.StatusNotImplemented},
	{service.ErrCancelled, codeCancelled, statusClientClosedRequest},
	{service.ErrInvalidArgument, codeInvalidArgument, http.StatusBadRequest},
}

// errorStatus maps a service error onto its stable code and HTTP status.
func errorStatus(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code, k.status
		}
	}
	return codeInternal, http.StatusInternalServerError
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := errorStatus(err)
	msg := err.Error()
	switch code {
	case codeInternal:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		msg = "internal error"
	case codeCorruptData:
		s.logger.Error("storage corruption",
			slog.String("repo", r.PathValue("url")),
			slog.String("error", err.Error()))
	}
	jsonError(w, code, msg, status)
}
