package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

// fakeStore keeps jobs in memory with the same claim/finish guards as
// the real store.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	runLogs []domain.RunLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job)}
}

func (f *fakeStore) InsertJob(_ context.Context, j *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.StatusQueued || j.Attempts >= j.MaxAttempts {
		return nil, storage.ErrNotClaimable
	}
	j.Attempts++
	j.Status = domain.StatusRunning
	cp := *j
	return &cp, nil
}

func (f *fakeStore) FinishJob(_ context.Context, id string, status domain.Status, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = status
	j.LastError = lastError
	return nil
}

func (f *fakeStore) RequeueJob(_ context.Context, id string, runAt time.Time, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = domain.StatusQueued
	j.RunAt = runAt
	j.LastError = lastError
	return nil
}

func (f *fakeStore) AppendRunLog(_ context.Context, l *domain.RunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runLogs = append(f.runLogs, *l)
	return nil
}

func (f *fakeStore) job(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

// fakeBroker records enqueues and serves a scripted list of ready jobs.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []brokerPush
	ready    []brokerPush
}

type brokerPush struct {
	queue    string
	jobID    string
	priority int
	runAt    time.Time
}

func (f *fakeBroker) Enqueue(_ context.Context, queue, jobID string, priority int, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, brokerPush{queue: queue, jobID: jobID, priority: priority, runAt: runAt})
	return nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, _ string, _ []int, _ time.Duration) (string, int, error) {
	f.mu.Lock()
	if len(f.ready) > 0 {
		next := f.ready[0]
		f.ready = f.ready[1:]
		f.mu.Unlock()
		return next.jobID, next.priority, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(time.Millisecond):
	}
	return "", 0, nil
}

func (f *fakeBroker) pushes() []brokerPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]brokerPush(nil), f.enqueued...)
}

// fakeGate records admission requests; scripted errors are consumed one
// per call, nil meaning admitted.
type fakeGate struct {
	mu    sync.Mutex
	calls []gateCall
	errs  []error
}

type gateCall struct {
	resource string
	priority int
}

func (g *fakeGate) Wait(_ context.Context, resource string, _, priority int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{resource: resource, priority: priority})
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return err
	}
	return nil
}

func (g *fakeGate) waits() []gateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateCall(nil), g.calls...)
}

// scriptedHandler returns the queued errors one per call, then nil.
type scriptedHandler struct {
	typ     string
	errs    []error
	calls   int
	results domain.Result
}

func (h *scriptedHandler) Type() string { return h.typ }

func (h *scriptedHandler) Handle(ctx context.Context, job *domain.Job) (domain.Result, error) {
	h.calls++
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		if err != nil {
			return domain.Result{}, err
		}
	}
	return h.results, nil
}

func seedJob(t *testing.T, store *fakeStore, jobType string, maxAttempts int, backoff domain.Backoff) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:          "job-1",
		Queue:       registry.QueueSync,
		Type:        jobType,
		Payload:     []byte(`{"user_id":"u1"}`),
		Priority:    registry.PriorityNormal,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Timeout:     time.Minute,
		Status:      domain.StatusQueued,
	}
	require.NoError(t, store.InsertJob(context.Background(), job))
	return job
}

func TestProcess_Success(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := NewDispatcher(store, broker, &fakeGate{}, zap.NewNop())
	h := &scriptedHandler{typ: registry.TypeSyncAccount, results: domain.Result{ItemsProcessed: 5, ItemsChanged: 2}}
	require.NoError(t, d.Register(h))

	seedJob(t, store, registry.TypeSyncAccount, 3, domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})
	require.NoError(t, d.Process(context.Background(), "job-1"))

	got := store.job("job-1")
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)

	require.Len(t, store.runLogs, 1)
	assert.Equal(t, domain.OutcomeSucceeded, store.runLogs[0].Outcome)
	assert.Equal(t, 5, store.runLogs[0].ItemsProcessed)
	assert.Equal(t, 2, store.runLogs[0].ItemsChanged)
}

func TestProcess_TransientRetriesThenAbandons(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := NewDispatcher(store, broker, &fakeGate{}, zap.NewNop())
	h := &scriptedHandler{
		typ: registry.TypeSyncAccount,
		errs: []error{
			faults.New(faults.KindTransient, "sync", "timeout"),
			faults.New(faults.KindTransient, "sync", "timeout"),
			faults.New(faults.KindTransient, "sync", "timeout"),
		},
	}
	require.NoError(t, d.Register(h))

	job := seedJob(t, store, registry.TypeSyncAccount, 3,
		domain.Backoff{Shape: domain.BackoffExponential, Base: time.Second})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Process(ctx, job.ID))
	}

	got := store.job(job.ID)
	assert.Equal(t, domain.StatusAbandoned, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.LessOrEqual(t, got.Attempts, got.MaxAttempts)

	// Two retries re-entered the broker; the final attempt did not.
	assert.Len(t, broker.enqueued, 2)

	require.Len(t, store.runLogs, 3)
	assert.Equal(t, domain.OutcomeRetry, store.runLogs[0].Outcome)
	assert.Equal(t, domain.OutcomeRetry, store.runLogs[1].Outcome)
	assert.Equal(t, domain.OutcomeAbandoned, store.runLogs[2].Outcome)

	// A terminal job can never be claimed again.
	require.NoError(t, d.Process(ctx, job.ID))
	assert.Equal(t, 3, store.job(job.ID).Attempts)
	assert.Len(t, store.runLogs, 3)
}

func TestProcess_TerminalFailsImmediately(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, &fakeBroker{}, &fakeGate{}, zap.NewNop())
	h := &scriptedHandler{
		typ:  registry.TypeNotifyEmail,
		errs: []error{faults.New(faults.KindTerminal, "notify", "invalid recipient")},
	}
	require.NoError(t, d.Register(h))

	job := seedJob(t, store, registry.TypeNotifyEmail, 5,
		domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})
	require.NoError(t, d.Process(context.Background(), job.ID))

	got := store.job(job.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.Len(t, store.runLogs, 1)
	assert.Equal(t, domain.OutcomeFailed, store.runLogs[0].Outcome)
	require.NotNil(t, store.runLogs[0].Error)
}

func TestProcess_BackoffScheduleAndRecovery(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := NewDispatcher(store, broker, &fakeGate{}, zap.NewNop())

	base := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	// Provider times out twice, then succeeds: expect two retries with
	// backoff 1s then 2s, then success on the third attempt.
	h := &scriptedHandler{
		typ: registry.TypeSyncAccount,
		errs: []error{
			faults.New(faults.KindTransient, "sync", "request timed out"),
			faults.New(faults.KindTransient, "sync", "request timed out"),
		},
		results: domain.Result{ItemsProcessed: 1},
	}
	require.NoError(t, d.Register(h))

	job := seedJob(t, store, registry.TypeSyncAccount, 3,
		domain.Backoff{Shape: domain.BackoffExponential, Base: time.Second})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Process(ctx, job.ID))
	}

	assert.Equal(t, domain.StatusSucceeded, store.job(job.ID).Status)
	assert.Equal(t, 3, h.calls)

	require.Len(t, broker.enqueued, 2)
	assert.Equal(t, base.Add(time.Second), broker.enqueued[0].runAt)
	assert.Equal(t, base.Add(2*time.Second), broker.enqueued[1].runAt)

	require.Len(t, store.runLogs, 3)
	assert.Equal(t, domain.OutcomeSucceeded, store.runLogs[2].Outcome)
}

func TestProcess_CapacityErrorUsesResetTime(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := NewDispatcher(store, broker, &fakeGate{}, zap.NewNop())

	base := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	reset := base.Add(45 * time.Second)

	h := &scriptedHandler{
		typ:  registry.TypeSyncAccount,
		errs: []error{faults.Capacity("provider", reset, "quota exhausted")},
	}
	require.NoError(t, d.Register(h))

	job := seedJob(t, store, registry.TypeSyncAccount, 3,
		domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})
	require.NoError(t, d.Process(context.Background(), job.ID))

	require.Len(t, broker.enqueued, 1)
	assert.Equal(t, reset, broker.enqueued[0].runAt, "capacity reset later than backoff wins")
}

func TestProcess_NoHandlerIsTerminal(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, &fakeBroker{}, &fakeGate{}, zap.NewNop())

	job := seedJob(t, store, registry.TypeCleanupLogs, 2,
		domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})
	require.NoError(t, d.Process(context.Background(), job.ID))

	assert.Equal(t, domain.StatusFailed, store.job(job.ID).Status)
}

func TestRun_AdmitsAgainstQueuePolicy(t *testing.T) {
	store := newFakeStore()
	gate := &fakeGate{}
	broker := &fakeBroker{ready: []brokerPush{{jobID: "job-1", priority: registry.PriorityHigh}}}
	d := NewDispatcher(store, broker, gate, zap.NewNop())
	h := &scriptedHandler{typ: registry.TypeSyncAccount}
	require.NoError(t, d.Register(h))
	seedJob(t, store, registry.TypeSyncAccount, 3,
		domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx, registry.QueueSync); close(done) }()

	require.Eventually(t, func() bool {
		return store.job("job-1").Status == domain.StatusSucceeded
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	waits := gate.waits()
	require.Len(t, waits, 1, "every job start passes through the limiter")
	assert.Equal(t, "queue:sync", waits[0].resource)
	assert.Equal(t, registry.PriorityHigh, waits[0].priority)
	assert.Equal(t, 1, h.calls)
}

func TestRun_DefersJobWhenPendingQueueFull(t *testing.T) {
	store := newFakeStore()
	reset := time.Now().Add(30 * time.Second).Truncate(time.Second)
	gate := &fakeGate{errs: []error{
		faults.Capacity("queue:sync", reset, "rate limit pending queue full"),
	}}
	broker := &fakeBroker{ready: []brokerPush{{jobID: "job-1", priority: registry.PriorityNormal}}}
	d := NewDispatcher(store, broker, gate, zap.NewNop())
	h := &scriptedHandler{typ: registry.TypeSyncAccount}
	require.NoError(t, d.Register(h))
	seedJob(t, store, registry.TypeSyncAccount, 3,
		domain.Backoff{Shape: domain.BackoffFixed, Base: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx, registry.QueueSync); close(done) }()

	require.Eventually(t, func() bool {
		return len(broker.pushes()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, h.calls, "a deferred job must not start")
	pushed := broker.pushes()[0]
	assert.Equal(t, "job-1", pushed.jobID)
	assert.Equal(t, registry.PriorityNormal, pushed.priority)
	assert.Equal(t, reset, pushed.runAt, "deferral parks the job until the window resets")

	got := store.job("job-1")
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts, "deferral must not burn an attempt")
}

func TestRegister_RejectsUnknownAndDuplicate(t *testing.T) {
	d := NewDispatcher(newFakeStore(), &fakeBroker{}, &fakeGate{}, zap.NewNop())

	err := d.Register(&scriptedHandler{typ: "bogus:type"})
	assert.Error(t, err)

	require.NoError(t, d.Register(&scriptedHandler{typ: registry.TypeSyncAccount}))
	assert.Error(t, d.Register(&scriptedHandler{typ: registry.TypeSyncAccount}))
}

func TestEnqueuer_CapturesPolicy(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	e := NewEnqueuer(store, broker, zap.NewNop())

	job, err := e.Enqueue(context.Background(), registry.TypeSyncAccount,
		[]byte(`{"user_id":"u1"}`), registry.PriorityHigh, 0)
	require.NoError(t, err)

	policy, _ := registry.Lookup(registry.QueueSync)
	assert.Equal(t, registry.QueueSync, job.Queue)
	assert.Equal(t, policy.MaxAttempts, job.MaxAttempts)
	assert.Equal(t, policy.Backoff, job.Backoff)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Len(t, broker.enqueued, 1)
}

func TestEnqueuer_RejectsUnknownTypeAndPriority(t *testing.T) {
	e := NewEnqueuer(newFakeStore(), &fakeBroker{}, zap.NewNop())
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "bogus:type", nil, registry.PriorityNormal, 0)
	require.Error(t, err)
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err))

	// The notify queue does not accept low priority.
	_, err = e.Enqueue(ctx, registry.TypeNotifyEmail, nil, registry.PriorityLow, 0)
	require.Error(t, err)
}
