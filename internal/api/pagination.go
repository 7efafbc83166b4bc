package api

import (
	"net/http"
	"strconv"
)

// pageWindow is a page/per_page pair parsed from the query string. Both
// fields are always at least 1.
type pageWindow struct {
	Page    int
	PerPage int
}

func parsePagination(r *http.Request, defaultPerPage, maxPerPage int) pageWindow {
	q := r.URL.Query()
	return pageWindow{
		Page:    positiveOr(q.Get("page"), 1),
		PerPage: min(positiveOr(q.Get("per_page"), defaultPerPage), maxPerPage),
	}
}

// positiveOr parses raw as a base-10 integer and returns fallback when it
// is empty, malformed, or not positive.
func positiveOr(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// paginateSlice returns the window's items and sets X-Total-Count so callers can
// page without a separate count route. Past the end it is empty, not nil.
func paginateSlice[T any](w http.ResponseWriter, items []T, win pageWindow) []T {
	if w != nil {
		w.Header().Set("X-Total-Count", strconv.Itoa(len(items)))
	}
	start := (win.Page - 1) * win.PerPage
	if start < 0 || start >= len(items) {
		return []T{}
	}
	return items[start:min(start+win.PerPage, len(items))]
}
