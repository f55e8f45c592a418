// Package orchestrator drives the scheduled bulk sync: it selects the
// accounts that have gone stale, partitions them into batches and syncs
// each one with bounded concurrency, recording a BatchRun summary.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/handlers"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

const itemRetries = 1 // one in-run retry per item on transient failure

// Store is the persistence slice the orchestrator needs.
type Store interface {
	SelectStaleLinks(ctx context.Context, cutoff time.Time, limit int) ([]storage.SyncCandidate, error)
	CreateBatchRun(ctx context.Context, r *domain.BatchRun) error
	FinalizeBatchRun(ctx context.Context, r *domain.BatchRun) error
}

// Syncer executes one account sync. The account sync handler satisfies
// this directly; the orchestrator runs syncs in-process rather than
// through the queue so a run has a definite end.
type Syncer interface {
	Handle(ctx context.Context, job *domain.Job) (domain.Result, error)
}

// Options tune a run. Zero values fall back to safe defaults.
type Options struct {
	BatchSize     int           // accounts per batch
	Concurrency   int           // parallel syncs within a batch
	BatchDelay    time.Duration // pause between batches
	Freshness     time.Duration // accounts synced more recently are skipped
	MaxAccounts   int           // upper bound on one run's workload
	DegradedBelow float64       // success rate that flags the run degraded
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Freshness <= 0 {
		o.Freshness = 24 * time.Hour
	}
	if o.MaxAccounts <= 0 {
		o.MaxAccounts = 1000
	}
	if o.DegradedBelow <= 0 || o.DegradedBelow > 1 {
		o.DegradedBelow = 0.9
	}
}

type Orchestrator struct {
	store  Store
	syncer Syncer
	opts   Options
	log    *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(store Store, syncer Syncer, opts Options, log *zap.Logger) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:  store,
		syncer: syncer,
		opts:   opts,
		log:    log.Named("orchestrator"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run executes one full pass and returns its summary. Item failures are
// independent: one account failing never stops the rest, it only shows
// up in the summary.
func (o *Orchestrator) Run(ctx context.Context) (*domain.BatchRun, error) {
	cutoff := o.now().Add(-o.opts.Freshness)
	candidates, err := o.store.SelectStaleLinks(ctx, cutoff, o.opts.MaxAccounts)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "orchestrator.select", err)
	}

	run := &domain.BatchRun{
		ID:        uuid.NewString(),
		Total:     len(candidates),
		StartedAt: o.now(),
	}
	if err := o.store.CreateBatchRun(ctx, run); err != nil {
		return nil, faults.Wrap(faults.KindTransient, "orchestrator.create", err)
	}
	o.log.Info("batch run started",
		zap.String("run_id", run.ID), zap.Int("total", run.Total),
		zap.Int("batch_size", o.opts.BatchSize), zap.Int("concurrency", o.opts.Concurrency))

	for start := 0; start < len(candidates); start += o.opts.BatchSize {
		end := start + o.opts.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		o.runBatch(ctx, run, candidates[start:end])

		if end < len(candidates) && o.opts.BatchDelay > 0 {
			if err := o.sleep(ctx, o.opts.BatchDelay); err != nil {
				o.markRemainingSkipped(run, candidates[end:])
				break
			}
		}
		if ctx.Err() != nil {
			o.markRemainingSkipped(run, candidates[end:])
			break
		}
	}

	run.Degraded = run.SuccessRate() < o.opts.DegradedBelow
	finished := o.now()
	run.FinishedAt = &finished
	sort.Slice(run.Errors, func(i, j int) bool { return run.Errors[i].Target < run.Errors[j].Target })
	if err := o.store.FinalizeBatchRun(ctx, run); err != nil {
		return run, faults.Wrap(faults.KindTransient, "orchestrator.finalize", err)
	}

	o.log.Info("batch run finished",
		zap.String("run_id", run.ID),
		zap.Int("succeeded", run.Succeeded), zap.Int("failed", run.Failed),
		zap.Int("skipped", run.Skipped), zap.Bool("degraded", run.Degraded),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)))
	return run, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, run *domain.BatchRun, batch []storage.SyncCandidate) {
	type itemResult struct {
		target string
		err    error
	}
	results := make([]itemResult, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, cand := range batch {
		i, cand := i, cand
		g.Go(func() error {
			results[i] = itemResult{target: cand.UserID, err: o.syncOne(gctx, cand)}
			return nil // item failures never cancel siblings
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.err == nil {
			run.Succeeded++
			continue
		}
		run.Failed++
		run.Errors = append(run.Errors, domain.ItemError{Target: r.target, Reason: r.err.Error()})
		o.log.Warn("batch item failed",
			zap.String("run_id", run.ID), zap.String("user_id", r.target), zap.Error(r.err))
	}
}

// syncOne runs the account sync for a single candidate, retrying once
// in-run on a transient failure. Anything still failing is left to the
// next scheduled run rather than retried indefinitely here.
func (o *Orchestrator) syncOne(ctx context.Context, cand storage.SyncCandidate) error {
	payload, err := json.Marshal(handlers.SyncPayload{UserID: cand.UserID})
	if err != nil {
		return err
	}
	job := &domain.Job{
		ID:      uuid.NewString(),
		Type:    registry.TypeSyncAccount,
		Payload: payload,
	}

	var lastErr error
	for attempt := 0; attempt <= itemRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, time.Second); err != nil {
				return lastErr
			}
		}
		_, lastErr = o.syncer.Handle(ctx, job)
		if lastErr == nil {
			return nil
		}
		if !faults.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (o *Orchestrator) markRemainingSkipped(run *domain.BatchRun, rest []storage.SyncCandidate) {
	run.Skipped += len(rest)
	o.log.Warn("run interrupted, skipping remainder",
		zap.String("run_id", run.ID), zap.Int("skipped", len(rest)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
