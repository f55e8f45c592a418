package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
)

// AppendRunLog writes one attempt record. Run logs are append-only and
// never updated.
func (s *Store) AppendRunLog(ctx context.Context, l *domain.RunLog) error {
	_, err := s.db.Exec(ctx, `insert into run_logs(
job_id, job_type, attempt, outcome, items_processed, items_changed,
duration_ms, error, dry_run, created_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())`,
		l.JobID, l.JobType, l.Attempt, l.Outcome, l.ItemsProcessed, l.ItemsChanged,
		l.Duration.Milliseconds(), l.Error, l.DryRun)
	return errors.Wrap(err, "appending run log")
}

// ListRunLogs returns the attempt history for one job, oldest first.
func (s *Store) ListRunLogs(ctx context.Context, jobID string) ([]domain.RunLog, error) {
	rows, err := s.db.Query(ctx, `select id, job_id, job_type, attempt, outcome,
items_processed, items_changed, duration_ms, error, dry_run, created_at
from run_logs where job_id = $1 order by id`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "listing run logs")
	}
	defer rows.Close()

	var out []domain.RunLog
	for rows.Next() {
		var (
			l  domain.RunLog
			ms int64
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.JobType, &l.Attempt, &l.Outcome,
			&l.ItemsProcessed, &l.ItemsChanged, &ms, &l.Error, &l.DryRun, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning run log")
		}
		l.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateBatchRun opens a batch run record at the start of an
// orchestrator run.
func (s *Store) CreateBatchRun(ctx context.Context, r *domain.BatchRun) error {
	_, err := s.db.Exec(ctx, `insert into batch_runs(id, total, started_at)
values ($1,$2,$3)`, r.ID, r.Total, r.StartedAt)
	return errors.Wrap(err, "creating batch run")
}

// FinalizeBatchRun writes the summary once all partitions complete.
func (s *Store) FinalizeBatchRun(ctx context.Context, r *domain.BatchRun) error {
	errList := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		errList = append(errList, e.Target+": "+e.Reason)
	}
	_, err := s.db.Exec(ctx, `update batch_runs
set succeeded = $2, failed = $3, skipped = $4, degraded = $5,
    finished_at = $6, errors = $7
where id = $1`,
		r.ID, r.Succeeded, r.Failed, r.Skipped, r.Degraded, r.FinishedAt, errList)
	return errors.Wrap(err, "finalizing batch run")
}

// AppendDeliveryLog records one notification delivery attempt, kept
// apart from run logs for auditing.
func (s *Store) AppendDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error {
	_, err := s.db.Exec(ctx, `insert into delivery_log(
job_id, recipient, template, status, error, created_at
) values ($1,$2,$3,$4,$5,now())`,
		l.JobID, l.Recipient, l.Template, l.Status, l.Error)
	return errors.Wrap(err, "appending delivery log")
}
