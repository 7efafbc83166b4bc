package database

import (
	"context"
	"database/sql"

	"github.com/odvcencio/repohost/internal/models"
)

func (p *PostgresDB) CloneQueueStats(ctx context.Context) (CloneQueueStats, error) {
	var stats CloneQueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = $1 THEN created_at END) AS oldest_queued_at
		 FROM clone_jobs`,
		models.CloneJobQueued,
		models.CloneJobRunning,
		models.CloneJobFailed,
	).Scan(&stats.Queued, &stats.Running, &stats.Failed, &oldestQueued)
	if err != nil {
		return CloneQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}
