// Package dispatch owns the job state machine: queued -> running ->
// succeeded | queued (retry) | failed | abandoned. Handlers execute the
// work; all retry and abandon decisions live here, driven by the error
// taxonomy in faults.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

// Handler executes one job type. Handlers must be idempotent: a timed
// out attempt may leave partial side effects that the retry re-runs.
type Handler interface {
	Type() string
	Handle(ctx context.Context, job *domain.Job) (domain.Result, error)
}

// JobStore is the slice of the persistence layer the dispatcher needs.
type JobStore interface {
	ClaimJob(ctx context.Context, id string) (*domain.Job, error)
	FinishJob(ctx context.Context, id string, status domain.Status, lastError *string) error
	RequeueJob(ctx context.Context, id string, runAt time.Time, lastError *string) error
	AppendRunLog(ctx context.Context, l *domain.RunLog) error
}

// Broker moves job ids through the queue backend.
type Broker interface {
	Enqueue(ctx context.Context, queue, jobID string, priority int, runAt time.Time) error
	Dequeue(ctx context.Context, queue string, priorities []int, block time.Duration) (jobID string, priority int, err error)
}

// Limiter gates job starts against the queue's rate-limit policy, so a
// deep backlog drains at the configured rate instead of flooding
// downstream systems.
type Limiter interface {
	Wait(ctx context.Context, resource string, weight, priority int) error
}

const dequeueBlock = 2 * time.Second

// Dispatcher pulls queued jobs and routes them by type to a handler.
type Dispatcher struct {
	store    JobStore
	broker   Broker
	limiter  Limiter
	handlers map[string]Handler
	log      *zap.Logger
	now      func() time.Time
}

func NewDispatcher(store JobStore, broker Broker, limiter Limiter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		broker:   broker,
		limiter:  limiter,
		handlers: make(map[string]Handler),
		log:      log.Named("dispatch"),
		now:      time.Now,
	}
}

// Register adds a handler for its job type. The handler set is built
// once at startup; registering a type twice is a programming error.
func (d *Dispatcher) Register(h Handler) error {
	t := h.Type()
	if _, ok := registry.QueueFor(t); !ok {
		return faults.New(faults.KindTerminal, "dispatch.register", "unknown job type: "+t)
	}
	if _, dup := d.handlers[t]; dup {
		return faults.New(faults.KindTerminal, "dispatch.register", "duplicate handler for "+t)
	}
	d.handlers[t] = h
	return nil
}

// Run drains one queue with the configured number of workers until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, queueName string) error {
	policy, ok := registry.Lookup(queueName)
	if !ok {
		return faults.New(faults.KindTerminal, "dispatch.run", "unknown queue: "+queueName)
	}

	var wg sync.WaitGroup
	for i := 0; i < policy.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := d.log.With(zap.String("queue", queueName), zap.Int("worker", worker))
			for {
				id, prio, err := d.broker.Dequeue(ctx, queueName, policy.Priorities, dequeueBlock)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.Warn("dequeue failed", zap.Error(err))
					continue
				}
				if id == "" {
					continue
				}
				// Admission happens between dequeue and claim: a
				// throttled job waits here without burning an attempt.
				if err := d.limiter.Wait(ctx, policy.RateLimit.Resource, 1, prio); err != nil {
					d.release(ctx, queueName, id, prio, err, log)
					if ctx.Err() != nil {
						return
					}
					continue
				}
				if err := d.Process(ctx, id); err != nil {
					log.Error("processing job", zap.String("job_id", id), zap.Error(err))
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

// release returns a dequeued-but-not-admitted job to its queue:
// immediately on shutdown, at the rate-limit reset when the pending
// queue was full.
func (d *Dispatcher) release(ctx context.Context, queueName, id string, prio int, cause error, log *zap.Logger) {
	runAt := faults.RetryAfterOf(cause)
	if ctx.Err() != nil {
		ctx = context.Background()
		runAt = time.Time{}
	}
	if err := d.broker.Enqueue(ctx, queueName, id, prio, runAt); err != nil {
		log.Error("returning unadmitted job to queue", zap.String("job_id", id), zap.Error(err))
		return
	}
	log.Warn("job start deferred",
		zap.String("job_id", id), zap.Time("run_at", runAt), zap.Error(cause))
}

// Process runs one claimed job through the state machine. The returned
// error reports dispatcher-side failures (store, broker); handler
// failures are absorbed into the job's state.
func (d *Dispatcher) Process(ctx context.Context, jobID string) error {
	job, err := d.store.ClaimJob(ctx, jobID)
	if err == storage.ErrNotClaimable {
		// Already claimed elsewhere, cancelled, or terminal. Nothing to do.
		d.log.Debug("job not claimable", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return err
	}

	hctx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := d.now()
	res, herr := d.invoke(hctx, job)
	elapsed := time.Since(start)

	if herr == nil {
		if err := d.store.FinishJob(ctx, job.ID, domain.StatusSucceeded, nil); err != nil {
			return err
		}
		d.log.Info("job succeeded",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts), zap.Duration("took", elapsed))
		return d.writeRunLog(ctx, job, res, domain.OutcomeSucceeded, elapsed, nil)
	}

	msg := herr.Error()
	kind := faults.KindOf(herr)

	switch {
	case kind == faults.KindTerminal:
		if err := d.store.FinishJob(ctx, job.ID, domain.StatusFailed, &msg); err != nil {
			return err
		}
		d.log.Warn("job failed terminally",
			zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Error(herr))
		return d.writeRunLog(ctx, job, res, domain.OutcomeFailed, elapsed, &msg)

	case job.Attempts < job.MaxAttempts:
		runAt := d.retryAt(job, herr)
		if err := d.store.RequeueJob(ctx, job.ID, runAt, &msg); err != nil {
			return err
		}
		if err := d.broker.Enqueue(ctx, job.Queue, job.ID, job.Priority, runAt); err != nil {
			return err
		}
		d.log.Info("job will retry",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts), zap.Time("run_at", runAt),
			zap.String("kind", kind.String()), zap.Error(herr))
		return d.writeRunLog(ctx, job, res, domain.OutcomeRetry, elapsed, &msg)

	default:
		if err := d.store.FinishJob(ctx, job.ID, domain.StatusAbandoned, &msg); err != nil {
			return err
		}
		d.log.Error("job abandoned after max attempts",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts), zap.Error(herr))
		return d.writeRunLog(ctx, job, res, domain.OutcomeAbandoned, elapsed, &msg)
	}
}

// invoke resolves and runs the handler, folding a context timeout into
// a transient fault so the classification below stays uniform.
func (d *Dispatcher) invoke(ctx context.Context, job *domain.Job) (domain.Result, error) {
	h, ok := d.handlers[job.Type]
	if !ok {
		return domain.Result{}, faults.New(faults.KindTerminal, "dispatch", "no handler registered for "+job.Type)
	}
	res, err := h.Handle(ctx, job)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = faults.Wrap(faults.KindTransient, "dispatch.timeout", err)
	}
	return res, err
}

// retryAt computes when the retry becomes eligible: the captured
// backoff schedule, or the limiter's reported reset time when a
// capacity error says capacity returns later than that.
func (d *Dispatcher) retryAt(job *domain.Job, herr error) time.Time {
	runAt := d.now().Add(job.Backoff.Delay(job.Attempts))
	if after := faults.RetryAfterOf(herr); after.After(runAt) {
		runAt = after
	}
	return runAt
}

func (d *Dispatcher) writeRunLog(ctx context.Context, job *domain.Job, res domain.Result, outcome string, took time.Duration, errMsg *string) error {
	return d.store.AppendRunLog(ctx, &domain.RunLog{
		JobID:          job.ID,
		JobType:        job.Type,
		Attempt:        job.Attempts,
		Outcome:        outcome,
		ItemsProcessed: res.ItemsProcessed,
		ItemsChanged:   res.ItemsChanged,
		Duration:       took,
		Error:          errMsg,
		DryRun:         res.DryRun,
	})
}
