// Package ratelimit bounds how many operations run against a shared
// resource per time window. Admission is centralized here so that no
// caller needs its own throttling: the external provider is never
// driven past its contracted quota regardless of how many internal
// callers exist.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/faults"
)

// Limit configures one named resource.
type Limit struct {
	Max        int           // admissions per window
	Window     time.Duration // window length
	MaxPending int           // callers allowed to wait; beyond this, fail fast
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int       // capacity left in the current window
	WaitUntil time.Time // when the window resets; zero if allowed
}

// Status is the introspection view for health reporting.
type Status struct {
	Resource string    `json:"resource"`
	Count    int       `json:"count"`
	Max      int       `json:"max"`
	ResetAt  time.Time `json:"reset_at"`
	Pending  int       `json:"pending"`
}

// Limiter tracks request counts in fixed windows per named resource.
// All counters are ephemeral: nothing survives the process.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]Limit
	wins   map[string]*window
	seq    uint64
	now    func() time.Time
	log    *zap.Logger
}

type window struct {
	start   time.Time
	count   int
	waiters []*waiter
	drainAt time.Time // zero when no drain timer is scheduled
}

type waiter struct {
	priority int
	weight   int
	seq      uint64
	ready    chan struct{}
	gone     bool // caller gave up (context cancelled)
}

// New builds a limiter for a fixed set of resources.
func New(limits map[string]Limit, log *zap.Logger) *Limiter {
	return &Limiter{
		limits: limits,
		wins:   make(map[string]*window, len(limits)),
		now:    time.Now,
		log:    log.Named("ratelimit"),
	}
}

// Admit performs one atomic increment-and-check against the resource's
// window. It never blocks; callers that want to wait use Wait.
func (l *Limiter) Admit(resource string, weight int) (Decision, error) {
	if weight < 1 {
		weight = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, w, err := l.windowLocked(resource)
	if err != nil {
		return Decision{}, err
	}
	return l.admitLocked(lim, w, weight), nil
}

// Wait blocks until the caller is admitted, the context is done, or the
// pending queue for the resource is full (capacity error, fail fast).
// Waiters are released in priority order, FIFO within a priority.
func (l *Limiter) Wait(ctx context.Context, resource string, weight, priority int) error {
	if weight < 1 {
		weight = 1
	}
	l.mu.Lock()
	lim, w, err := l.windowLocked(resource)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if d := l.admitLocked(lim, w, weight); d.Allowed {
		l.mu.Unlock()
		return nil
	}
	if len(w.waiters) >= lim.MaxPending {
		reset := w.start.Add(lim.Window)
		l.mu.Unlock()
		return faults.Capacity(resource, reset, "rate limit pending queue full")
	}

	l.seq++
	wt := &waiter{priority: priority, weight: weight, seq: l.seq, ready: make(chan struct{})}
	w.waiters = append(w.waiters, wt)
	sort.SliceStable(w.waiters, func(i, j int) bool {
		if w.waiters[i].priority != w.waiters[j].priority {
			return w.waiters[i].priority > w.waiters[j].priority
		}
		return w.waiters[i].seq < w.waiters[j].seq
	})
	l.scheduleDrainLocked(resource, lim, w)
	l.mu.Unlock()

	select {
	case <-wt.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		wt.gone = true
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Limit returns the configured quota for a resource. The limit set is
// fixed at construction, so no locking is needed.
func (l *Limiter) Limit(resource string) (Limit, bool) {
	lim, ok := l.limits[resource]
	return lim, ok
}

// Status returns the current window view for one resource.
func (l *Limiter) Status(resource string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, w, err := l.windowLocked(resource)
	if err != nil {
		return Status{}, err
	}
	l.rollLocked(lim, w)
	return Status{
		Resource: resource,
		Count:    w.count,
		Max:      lim.Max,
		ResetAt:  w.start.Add(lim.Window),
		Pending:  len(w.waiters),
	}, nil
}

// Statuses returns the window view for every configured resource.
func (l *Limiter) Statuses() []Status {
	names := make([]string, 0, len(l.limits))
	l.mu.Lock()
	for name := range l.limits {
		names = append(names, name)
	}
	l.mu.Unlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		st, err := l.Status(name)
		if err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (l *Limiter) windowLocked(resource string) (Limit, *window, error) {
	lim, ok := l.limits[resource]
	if !ok {
		return Limit{}, nil, faults.New(faults.KindTerminal, "ratelimit", "unknown resource: "+resource)
	}
	w, ok := l.wins[resource]
	if !ok {
		w = &window{start: l.now()}
		l.wins[resource] = w
	}
	return lim, w, nil
}

// rollLocked resets the counter when the window has elapsed.
func (l *Limiter) rollLocked(lim Limit, w *window) {
	now := l.now()
	if now.Sub(w.start) >= lim.Window {
		w.start = now
		w.count = 0
	}
}

func (l *Limiter) admitLocked(lim Limit, w *window, weight int) Decision {
	l.rollLocked(lim, w)
	// Queued waiters go first; a late arrival must not jump the line.
	if len(w.waiters) == 0 && w.count+weight <= lim.Max {
		w.count += weight
		return Decision{Allowed: true, Remaining: lim.Max - w.count}
	}
	return Decision{Allowed: false, WaitUntil: w.start.Add(lim.Window)}
}

// scheduleDrainLocked arms a timer at the window reset to release
// waiters even when no new Admit traffic arrives.
func (l *Limiter) scheduleDrainLocked(resource string, lim Limit, w *window) {
	reset := w.start.Add(lim.Window)
	if !w.drainAt.IsZero() && !w.drainAt.After(reset) {
		return
	}
	w.drainAt = reset
	delay := reset.Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { l.drain(resource) })
}

func (l *Limiter) drain(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limits[resource]
	if !ok {
		return
	}
	w, ok := l.wins[resource]
	if !ok {
		return
	}
	w.drainAt = time.Time{}
	l.rollLocked(lim, w)

	kept := w.waiters[:0]
	blocked := false
	for _, wt := range w.waiters {
		if wt.gone {
			continue
		}
		// Strict ordering: once one waiter does not fit, nobody behind it
		// may jump the line.
		if !blocked && w.count+wt.weight <= lim.Max {
			w.count += wt.weight
			close(wt.ready)
			continue
		}
		blocked = true
		kept = append(kept, wt)
	}
	w.waiters = kept
	if len(w.waiters) > 0 {
		l.log.Debug("waiters remain after drain",
			zap.String("resource", resource),
			zap.Int("pending", len(w.waiters)))
		l.scheduleDrainLocked(resource, lim, w)
	}
}
