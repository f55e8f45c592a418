package domain

import "time"

// Status is the lifecycle state of a job. Succeeded, Failed and
// Abandoned are terminal and immutable; a terminal job never re-enters
// the queue automatically (re-submission requires a new job).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks a job stopped by a terminal error; retrying it
	// could never succeed.
	StatusFailed Status = "failed"
	// StatusAbandoned marks a job that exhausted its retry budget.
	// Abandoned jobs are retained for inspection, not deleted.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// Job is a unit of deferred work. Created by an enqueuer, mutated only
// by the dispatcher. The retry policy is captured from the queue
// registry at enqueue time, so later policy changes only affect newly
// enqueued jobs.
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     []byte
	Priority    int // higher = more urgent
	Attempts    int
	MaxAttempts int
	Backoff     Backoff
	Timeout     time.Duration
	Status      Status
	LastError   *string
	RunAt       time.Time
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// BackoffShape selects how retry delays grow.
type BackoffShape string

const (
	BackoffFixed       BackoffShape = "fixed"
	BackoffExponential BackoffShape = "exponential"
)

// Backoff describes the retry delay policy captured onto a job.
type Backoff struct {
	Shape BackoffShape
	Base  time.Duration
	Max   time.Duration
}

// Delay returns the wait before the given retry. attempt is the number
// of attempts already made (1 after the first failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	if b.Shape == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				return b.Max
			}
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
