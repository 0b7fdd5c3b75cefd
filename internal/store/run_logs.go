// ABOUTME: Run log lines appended by the worker while a pipeline run executes.
// ABOUTME: Reads return lines oldest first with a caller-supplied limit.
package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RunLog is one append-only run_logs row.
type RunLog struct {
	ID        int64
	RunID     uuid.UUID
	Timestamp time.Time
	Level     string
	Message   string
}

// AppendRunLog appends a log line to the run.
func (s *Store) AppendRunLog(ctx context.Context, runID uuid.UUID, level, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_logs (run_id, level, message) VALUES ($1, $2, $3)`,
		runID, level, message)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// RecentRunLogs returns the newest limit rows of the run in chronological order.
func (s *Store) RecentRunLogs(ctx context.Context, runID uuid.UUID, limit int) ([]RunLog, error) {
	logs, err := s.queryRunLogs(ctx, `
		SELECT id, run_id, timestamp, level, message
		  FROM run_logs
		 WHERE run_id = $1
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent run logs: %w", err)
	}
	slices.Reverse(logs)
	return logs, nil
}

// ListRunLogs returns up to limit rows of the run, oldest first.
func (s *Store) ListRunLogs(ctx context.Context, runID uuid.UUID, limit int) ([]RunLog, error) {
	logs, err := s.queryRunLogs(ctx, `
		SELECT id, run_id, timestamp, level, message
		  FROM run_logs
		 WHERE run_id = $1
		 ORDER BY timestamp, id
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return logs, nil
}

func (s *Store) queryRunLogs(ctx context.Context, query string, args ...any) ([]RunLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunLog, error) {
		var l RunLog
		err := row.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message)
		return l, err
	})
}
