package cache

import (
	"database/sql"
	"time"

	"mission-queue-monitor/internal/models"
)

// Store persists the last fetched snapshot so the console can render
// last-known state before the first fetch completes and across restarts.
// Strictly write-behind: live queries never read from it.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the cache database.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &Store{db}, nil
}

// InitSchema creates the cache tables.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_items (
		id TEXT PRIMARY KEY,
		mission_name TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		queue_position INTEGER,
		assigned_robot_id TEXT,
		created_at DATETIME NOT NULL,
		wait_time_seconds REAL NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		key TEXT PRIMARY KEY,
		fetched_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS statistics (
		key TEXT PRIMARY KEY,
		total_queued INTEGER NOT NULL,
		total_processing INTEGER NOT NULL,
		total_assigned INTEGER NOT NULL,
		total_completed INTEGER NOT NULL,
		total_failed INTEGER NOT NULL,
		total_cancelled INTEGER NOT NULL,
		average_wait_time_seconds REAL NOT NULL,
		success_rate REAL NOT NULL
	);
	`

	_, err := s.Exec(schema)
	return err
}

// SaveSnapshot replaces the cached snapshot wholesale inside a transaction,
// mirroring how the live view is replaced on every refetch.
func (s *Store) SaveSnapshot(items []models.QueueItem, fetchedAt time.Time) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM snapshot_items"); err != nil {
		return err
	}

	for _, item := range items {
		_, err := tx.Exec(`
			INSERT INTO snapshot_items (id, mission_name, status, priority, queue_position,
			                            assigned_robot_id, created_at, wait_time_seconds,
			                            retry_count, max_retries, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, item.MissionName, string(item.Status), item.Priority,
			nullInt(item.QueuePosition), nullString(item.AssignedRobotID),
			item.CreatedAt, item.WaitTimeSeconds, item.RetryCount, item.MaxRetries,
			nullString(item.ErrorMessage))
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO snapshot_meta (key, fetched_at) VALUES ('snapshot', ?)
		ON CONFLICT(key) DO UPDATE SET fetched_at = excluded.fetched_at
	`, fetchedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadSnapshot returns the cached items and their fetch time. An empty cache
// returns no items and a zero time, not an error.
func (s *Store) LoadSnapshot() ([]models.QueueItem, time.Time, error) {
	var fetchedAt time.Time
	err := s.QueryRow("SELECT fetched_at FROM snapshot_meta WHERE key = 'snapshot'").Scan(&fetchedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	rows, err := s.Query(`
		SELECT id, mission_name, status, priority, queue_position, assigned_robot_id,
		       created_at, wait_time_seconds, retry_count, max_retries, error_message
		FROM snapshot_items ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, time.Time{}, err
	}
	return items, fetchedAt, nil
}

// SaveStatistics stores the latest aggregates, replacing the previous row.
func (s *Store) SaveStatistics(stats models.QueueStatistics) error {
	_, err := s.Exec(`
		INSERT INTO statistics (key, total_queued, total_processing, total_assigned,
		                        total_completed, total_failed, total_cancelled,
		                        average_wait_time_seconds, success_rate)
		VALUES ('latest', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			total_queued = excluded.total_queued,
			total_processing = excluded.total_processing,
			total_assigned = excluded.total_assigned,
			total_completed = excluded.total_completed,
			total_failed = excluded.total_failed,
			total_cancelled = excluded.total_cancelled,
			average_wait_time_seconds = excluded.average_wait_time_seconds,
			success_rate = excluded.success_rate
	`, stats.TotalQueued, stats.TotalProcessing, stats.TotalAssigned,
		stats.TotalCompleted, stats.TotalFailed, stats.TotalCancelled,
		stats.AverageWaitTimeSeconds, stats.SuccessRate)
	return err
}

// LoadStatistics returns the cached aggregates, or nil when none were saved.
func (s *Store) LoadStatistics() (*models.QueueStatistics, error) {
	var stats models.QueueStatistics
	err := s.QueryRow(`
		SELECT total_queued, total_processing, total_assigned, total_completed,
		       total_failed, total_cancelled, average_wait_time_seconds, success_rate
		FROM statistics WHERE key = 'latest'
	`).Scan(&stats.TotalQueued, &stats.TotalProcessing, &stats.TotalAssigned,
		&stats.TotalCompleted, &stats.TotalFailed, &stats.TotalCancelled,
		&stats.AverageWaitTimeSeconds, &stats.SuccessRate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Helper functions

func scanItems(rows *sql.Rows) ([]models.QueueItem, error) {
	items := []models.QueueItem{}
	for rows.Next() {
		var item models.QueueItem
		var status string
		var queuePosition sql.NullInt64
		var assignedRobotID sql.NullString
		var errorMessage sql.NullString

		err := rows.Scan(&item.ID, &item.MissionName, &status, &item.Priority,
			&queuePosition, &assignedRobotID, &item.CreatedAt,
			&item.WaitTimeSeconds, &item.RetryCount, &item.MaxRetries, &errorMessage)
		if err != nil {
			return nil, err
		}

		item.Status = models.Status(status)
		if queuePosition.Valid {
			item.QueuePosition = int(queuePosition.Int64)
		}
		if assignedRobotID.Valid {
			item.AssignedRobotID = assignedRobotID.String
		}
		if errorMessage.Valid {
			item.ErrorMessage = errorMessage.String
		}

		items = append(items, item)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
