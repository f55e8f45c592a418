package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
)

// JobInserter persists new jobs.
type JobInserter interface {
	InsertJob(ctx context.Context, j *domain.Job) error
}

// Enqueuer validates a submission against the queue registry, captures
// the queue's current policy onto the job, persists it and pushes it to
// the broker.
type Enqueuer struct {
	store  JobInserter
	broker Broker
	log    *zap.Logger
	now    func() time.Time
}

func NewEnqueuer(store JobInserter, broker Broker, log *zap.Logger) *Enqueuer {
	return &Enqueuer{store: store, broker: broker, log: log.Named("enqueue"), now: time.Now}
}

// Enqueue submits a job. delay > 0 parks it in the delay set until due.
func (e *Enqueuer) Enqueue(ctx context.Context, jobType string, payload []byte, priority int, delay time.Duration) (*domain.Job, error) {
	queueName, ok := registry.QueueFor(jobType)
	if !ok {
		return nil, faults.New(faults.KindTerminal, "enqueue", "unknown job type: "+jobType)
	}
	if !registry.Accepts(queueName, priority) {
		return nil, faults.New(faults.KindTerminal, "enqueue", "queue "+queueName+" does not accept this priority")
	}
	policy, _ := registry.Lookup(queueName)

	now := e.now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		Timeout:     policy.Timeout,
		Status:      domain.StatusQueued,
		RunAt:       now.Add(delay),
		EnqueuedAt:  now,
	}

	if err := e.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	if err := e.broker.Enqueue(ctx, queueName, job.ID, priority, job.RunAt); err != nil {
		return nil, err
	}
	e.log.Info("job enqueued",
		zap.String("job_id", job.ID), zap.String("type", jobType),
		zap.String("queue", queueName), zap.Int("priority", priority),
		zap.Duration("delay", delay))
	return job, nil
}
