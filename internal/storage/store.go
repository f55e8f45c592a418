// Package storage is the Postgres persistence layer: jobs (source of
// truth for job state), append-only run logs and batch runs, and the
// per-entity financial records the sync handlers reconcile into.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
)

// ErrNotClaimable is returned when a job cannot transition to running:
// it is gone, already claimed, terminal, or out of attempts.
var ErrNotClaimable = errors.New("job not claimable")

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobColumns = `id, queue, type, payload, priority, attempts, max_attempts,
backoff_shape, backoff_base_ms, backoff_max_ms, timeout_ms, status, last_error,
run_at, enqueued_at, started_at, completed_at`

// InsertJob persists a freshly built job. The caller sets the id and
// the captured policy.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.ID, j.Queue, j.Type, j.Payload, j.Priority, j.Attempts, j.MaxAttempts,
		string(j.Backoff.Shape), j.Backoff.Base.Milliseconds(), j.Backoff.Max.Milliseconds(),
		j.Timeout.Milliseconds(), string(j.Status), j.LastError,
		j.RunAt, j.EnqueuedAt, j.StartedAt, j.CompletedAt,
	)
	return errors.Wrap(err, "inserting job")
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	return scanJob(row)
}

// ClaimJob transitions a queued job to running and increments its
// attempt count, atomically. The guards enforce the state machine: only
// queued jobs with attempts remaining can be claimed.
func (s *Store) ClaimJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set status = $2, attempts = attempts + 1, started_at = now()
where id = $1 and status = $3 and attempts < max_attempts
returning `+jobColumns, id, string(domain.StatusRunning), string(domain.StatusQueued))
	j, err := scanJob(row)
	if err == ErrNotFound {
		return nil, ErrNotClaimable
	}
	return j, err
}

// FinishJob moves a running job to a terminal state.
func (s *Store) FinishJob(ctx context.Context, id string, status domain.Status, lastError *string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = $2, last_error = $3, completed_at = now()
where id = $1 and status = $4`,
		id, string(status), lastError, string(domain.StatusRunning))
	if err != nil {
		return errors.Wrap(err, "finishing job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("job %s not running, cannot finish", id)
	}
	return nil
}

// RequeueJob puts a running job back in the queued state with a new
// run-at, preserving the attempt count for the retry budget.
func (s *Store) RequeueJob(ctx context.Context, id string, runAt time.Time, lastError *string) error {
	tag, err := s.db.Exec(ctx, `update jobs
set status = $2, run_at = $3, last_error = $4, started_at = null
where id = $1 and status = $5`,
		id, string(domain.StatusQueued), runAt, lastError, string(domain.StatusRunning))
	if err != nil {
		return errors.Wrap(err, "requeueing job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("job %s not running, cannot requeue", id)
	}
	return nil
}

// CancelJob removes a job that has not been claimed yet. Running and
// terminal jobs are untouched.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs where id = $1 and status = $2`,
		id, string(domain.StatusQueued))
	if err != nil {
		return false, errors.Wrap(err, "cancelling job")
	}
	return tag.RowsAffected() > 0, nil
}

// ListJobs returns recent jobs in a given status, newest first.
func (s *Store) ListJobs(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
where status = $1 order by enqueued_at desc limit $2`, string(status), limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                      domain.Job
		shape                  string
		status                 string
		baseMS, maxMS, timeout int64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&shape, &baseMS, &maxMS, &timeout, &status, &j.LastError,
		&j.RunAt, &j.EnqueuedAt, &j.StartedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning job")
	}
	j.Backoff = domain.Backoff{
		Shape: domain.BackoffShape(shape),
		Base:  time.Duration(baseMS) * time.Millisecond,
		Max:   time.Duration(maxMS) * time.Millisecond,
	}
	j.Timeout = time.Duration(timeout) * time.Millisecond
	j.Status = domain.Status(status)
	return &j, nil
}
