// Package registry is the static catalog of queues, job types and their
// policies. Pure configuration: the dispatcher and rate limiter consult
// it at submission and execution time, and the policy in force is
// captured onto each job at enqueue time.
package registry

import (
	"time"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
)

// Queue names.
const (
	QueueSync    = "sync"
	QueueNotify  = "notify"
	QueueCleanup = "cleanup"
)

// Job type tags. The handler set is closed: one handler per tag,
// registered at startup.
const (
	TypeSyncAccount   = "sync:account"
	TypeSyncPortfolio = "sync:portfolio"
	TypeSyncPrices    = "sync:prices"

	TypeNotifyEmail = "notify:email"

	TypeCleanupSessions = "cleanup:sessions"
	TypeCleanupLogs     = "cleanup:logs"
	TypeCleanupCache    = "cleanup:cache"
	TypeCleanupFiles    = "cleanup:files"
)

// Priority levels accepted across queues.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// RateLimit bounds how many jobs a queue may start per window. The
// provider facade applies its own, finer per-endpoint limits on top.
// MaxPending caps how many dispatcher workers may park waiting for the
// window to roll; it must cover the queue's worker count.
type RateLimit struct {
	Resource   string
	Max        int
	Window     time.Duration
	MaxPending int
}

// Policy is everything the registry knows about a queue.
type Policy struct {
	MaxAttempts int
	Backoff     domain.Backoff
	Timeout     time.Duration
	Workers     int
	RateLimit   RateLimit
	Priorities  []int
}

// The retry/backoff constants in the source differed between queues
// without clear justification; they are kept here as one explicit,
// tunable table instead.
var queues = map[string]Policy{
	QueueSync: {
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Shape: domain.BackoffExponential, Base: time.Second, Max: 5 * time.Minute},
		Timeout:     2 * time.Minute,
		Workers:     4,
		RateLimit:   RateLimit{Resource: "queue:sync", Max: 30, Window: time.Minute, MaxPending: 8},
		Priorities:  []int{PriorityLow, PriorityNormal, PriorityHigh},
	},
	QueueNotify: {
		MaxAttempts: 5,
		Backoff:     domain.Backoff{Shape: domain.BackoffExponential, Base: 30 * time.Second, Max: 30 * time.Minute},
		Timeout:     30 * time.Second,
		Workers:     2,
		RateLimit:   RateLimit{Resource: "queue:notify", Max: 60, Window: time.Minute, MaxPending: 4},
		Priorities:  []int{PriorityNormal, PriorityHigh},
	},
	QueueCleanup: {
		MaxAttempts: 2,
		Backoff:     domain.Backoff{Shape: domain.BackoffFixed, Base: 5 * time.Minute},
		Timeout:     10 * time.Minute,
		Workers:     1,
		RateLimit:   RateLimit{Resource: "queue:cleanup", Max: 10, Window: time.Minute, MaxPending: 2},
		Priorities:  []int{PriorityLow, PriorityNormal},
	},
}

var typeToQueue = map[string]string{
	TypeSyncAccount:     QueueSync,
	TypeSyncPortfolio:   QueueSync,
	TypeSyncPrices:      QueueSync,
	TypeNotifyEmail:     QueueNotify,
	TypeCleanupSessions: QueueCleanup,
	TypeCleanupLogs:     QueueCleanup,
	TypeCleanupCache:    QueueCleanup,
	TypeCleanupFiles:    QueueCleanup,
}

// Lookup returns the policy for a queue.
func Lookup(queue string) (Policy, bool) {
	p, ok := queues[queue]
	return p, ok
}

// QueueFor returns the queue a job type flows through.
func QueueFor(jobType string) (string, bool) {
	q, ok := typeToQueue[jobType]
	return q, ok
}

// Accepts reports whether the queue accepts the given priority.
func Accepts(queue string, priority int) bool {
	p, ok := queues[queue]
	if !ok {
		return false
	}
	for _, pr := range p.Priorities {
		if pr == priority {
			return true
		}
	}
	return false
}

// Queues returns all queue names in a stable order.
func Queues() []string {
	return []string{QueueSync, QueueNotify, QueueCleanup}
}

// JobTypes returns all registered job type tags.
func JobTypes() []string {
	out := make([]string, 0, len(typeToQueue))
	for t := range typeToQueue {
		out = append(out, t)
	}
	return out
}
