package api

import (
	"database/sql"
	"net/http"
	"time"
)

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Queue     healthQueue    `json:"queue"`
	Workers   healthWorkers  `json:"workers"`
	Database  healthDatabase `json:"database"`
	Errors    []string       `json:"errors,omitempty"`
}

type healthQueue struct {
	Depth                 int64   `json:"depth"`
	Running               int64   `json:"running"`
	Failed                int64   `json:"failed"`
	OldestQueuedAgeSecond float64 `json:"oldest_queued_age_seconds"`
}

type healthWorkers struct {
	CloneEnabled bool `json:"clone_enabled"`
	Configured   int  `json:"configured"`
}

type healthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Workers: healthWorkers{
			CloneEnabled: s.cloneSvc != nil,
			Configured:   s.workers,
		},
	}

	if err := s.db.Ping(r.Context()); err != nil {
		resp.Errors = append(resp.Errors, "database_ping")
	}

	stats, err := s.db.CloneQueueStats(r.Context())
	if err != nil {
		resp.Errors = append(resp.Errors, "clone_queue_stats")
	} else {
		resp.Queue.Depth = stats.Queued
		resp.Queue.Running = stats.Running
		resp.Queue.Failed = stats.Failed
		if stats.OldestQueuedAt != nil {
			resp.Queue.OldestQueuedAgeSecond = max(time.Since(stats.OldestQueuedAt.UTC()).Seconds(), 0)
		}
	}

	if poolProvider, ok := s.db.(dbStatsProvider); ok {
		stats := poolProvider.DBStats()
		resp.Database = healthDatabase{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
		}
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
