package database

import (
	"context"
	"database/sql"

	"github.com/odvcencio/repohost/internal/models"
)

func (s *SQLiteDB) CloneQueueStats(ctx context.Context) (CloneQueueStats, error) {
	var stats CloneQueueStats
	// MIN() drops the column's declared type, so the driver hands back text.
	var oldestQueued sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = ? THEN created_at END) AS oldest_queued_at
		 FROM clone_jobs`,
		models.CloneJobQueued,
		models.CloneJobRunning,
		models.CloneJobFailed,
		models.CloneJobQueued,
	).Scan(&stats.Queued, &stats.Running, &stats.Failed, &oldestQueued)
	if err != nil {
		return CloneQueueStats{}, err
	}
	if oldestQueued.Valid {
		if t, ok := parseSQLiteTime(oldestQueued.String); ok {
			stats.OldestQueuedAt = &t
		}
	}
	return stats, nil
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDB) DBStats() sql.DBStats {
	return s.db.Stats()
}
