package models

import "time"

type Repository struct {
	ID            int64     `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	ProjectID     string    `json:"project_id,omitempty"` // owning project in the bug tracker
	DefaultBranch string    `json:"default_branch"`
	StoragePath   string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CloneJobStatus string

const (
	CloneJobQueued    CloneJobStatus = "queued"
	CloneJobRunning   CloneJobStatus = "running"
	CloneJobCompleted CloneJobStatus = "completed"
	CloneJobFailed    CloneJobStatus = "failed"
	CloneJobCancelled CloneJobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s CloneJobStatus) Terminal() bool {
	switch s {
	case CloneJobCompleted, CloneJobFailed, CloneJobCancelled:
		return true
	}
	return false
}

func IsCloneJobStatus(v string) bool {
	switch CloneJobStatus(v) {
	case CloneJobQueued, CloneJobRunning, CloneJobCompleted, CloneJobFailed, CloneJobCancelled:
		return true
	}
	return false
}

type CloneJob struct {
	ID           string         `json:"id"`
	Slug         string         `json:"slug"`
	SourceURL    string         `json:"source_url"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ProjectID    string         `json:"project_id,omitempty"`
	Status       CloneJobStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
