package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Retention queries back the cleanup handler: each category has a count
// (for dry runs), an export (for archival) and a delete.

// CountExpiredSessions counts sessions that expired before the cutoff.
func (s *Store) CountExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`select count(*) from sessions where expires_at < $1`, cutoff).Scan(&n)
	return n, errors.Wrap(err, "counting expired sessions")
}

// DeleteExpiredSessions removes them and reports how many went.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from sessions where expires_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "deleting expired sessions")
	}
	return tag.RowsAffected(), nil
}

// CountOldRunLogs counts run logs written before the cutoff.
func (s *Store) CountOldRunLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`select count(*) from run_logs where created_at < $1`, cutoff).Scan(&n)
	return n, errors.Wrap(err, "counting old run logs")
}

// ExportOldRunLogs streams run logs older than the cutoff as JSON
// lines, for archival before deletion.
func (s *Store) ExportOldRunLogs(ctx context.Context, cutoff time.Time) ([]byte, error) {
	rows, err := s.db.Query(ctx, `select id, job_id, job_type, attempt, outcome,
items_processed, items_changed, duration_ms, error, dry_run, created_at
from run_logs where created_at < $1 order by id`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "exporting old run logs")
	}
	defer rows.Close()

	type exported struct {
		ID             int64     `json:"id"`
		JobID          string    `json:"job_id"`
		JobType        string    `json:"job_type"`
		Attempt        int       `json:"attempt"`
		Outcome        string    `json:"outcome"`
		ItemsProcessed int       `json:"items_processed"`
		ItemsChanged   int       `json:"items_changed"`
		DurationMS     int64     `json:"duration_ms"`
		Error          *string   `json:"error,omitempty"`
		DryRun         bool      `json:"dry_run"`
		CreatedAt      time.Time `json:"created_at"`
	}

	var buf []byte
	for rows.Next() {
		var e exported
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.Attempt, &e.Outcome,
			&e.ItemsProcessed, &e.ItemsChanged, &e.DurationMS, &e.Error, &e.DryRun, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning run log for export")
		}
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, rows.Err()
}

// DeleteOldRunLogs removes run logs written before the cutoff.
func (s *Store) DeleteOldRunLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from run_logs where created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "deleting old run logs")
	}
	return tag.RowsAffected(), nil
}

// CountOldBatchRuns counts finished batch runs older than the cutoff.
func (s *Store) CountOldBatchRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`select count(*) from batch_runs where finished_at is not null and finished_at < $1`,
		cutoff).Scan(&n)
	return n, errors.Wrap(err, "counting old batch runs")
}

// DeleteOldBatchRuns removes finished batch runs older than the cutoff.
func (s *Store) DeleteOldBatchRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`delete from batch_runs where finished_at is not null and finished_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "deleting old batch runs")
	}
	return tag.RowsAffected(), nil
}
