package domain

import "time"

// Result is what a handler reports back for one execution.
type Result struct {
	ItemsProcessed int
	ItemsChanged   int
	BytesReclaimed int64
	DryRun         bool
}

// RunLog records one job attempt. Append-only: written exactly once per
// attempt and never mutated afterwards.
type RunLog struct {
	ID             int64
	JobID          string
	JobType        string
	Attempt        int
	Outcome        string // succeeded | retry | failed | abandoned
	ItemsProcessed int
	ItemsChanged   int
	Duration       time.Duration
	Error          *string
	DryRun         bool
	CreatedAt      time.Time
}

// RunLog outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// BatchRun summarizes one orchestrator run over many sync targets.
// Created when the run starts, finalized once all partitions complete.
type BatchRun struct {
	ID         string
	Total      int
	Succeeded  int
	Failed     int
	Skipped    int
	Degraded   bool // success rate fell below the operational threshold
	StartedAt  time.Time
	FinishedAt *time.Time
	Errors     []ItemError
}

// SuccessRate returns the fraction of non-skipped items that succeeded.
func (r *BatchRun) SuccessRate() float64 {
	attempted := r.Succeeded + r.Failed
	if attempted == 0 {
		return 1
	}
	return float64(r.Succeeded) / float64(attempted)
}

// ItemError is one failed item inside a batch run.
type ItemError struct {
	Target string
	Reason string
}

// DeliveryLog records one notification delivery attempt, kept separate
// from RunLog for audit purposes.
type DeliveryLog struct {
	ID        int64
	JobID     string
	Recipient string
	Template  string
	Status    string // sent | failed
	Error     *string
	CreatedAt time.Time
}

const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)
