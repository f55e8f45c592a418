package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/cache"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/ratelimit"
)

// fakeClient scripts provider responses per operation.
type fakeClient struct {
	accounts     []Account
	accountCalls int
	accountErrs  []error // consumed first, one per call

	holdings []Holding
	txs      []Transaction

	refreshErr error
	pings      int
}

func (f *fakeClient) Ping(context.Context) error {
	f.pings++
	return nil
}

func (f *fakeClient) GetAccounts(ctx context.Context, token string) ([]Account, error) {
	f.accountCalls++
	if len(f.accountErrs) > 0 {
		err := f.accountErrs[0]
		f.accountErrs = f.accountErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.accounts, nil
}

func (f *fakeClient) GetTransactions(ctx context.Context, token string, from, to time.Time, ids []string) ([]Transaction, error) {
	return f.txs, nil
}

func (f *fakeClient) GetHoldings(ctx context.Context, token string, ids []string) ([]Holding, error) {
	return f.holdings, nil
}

func (f *fakeClient) RefreshAccount(ctx context.Context, token, id string) (RefreshStatus, error) {
	if f.refreshErr != nil {
		return RefreshStatus{}, f.refreshErr
	}
	return RefreshStatus{AccountID: id, Status: "in_progress"}, nil
}

func (f *fakeClient) GetRefreshStatus(ctx context.Context, token, id string) (RefreshStatus, error) {
	return RefreshStatus{AccountID: id, Status: "completed"}, nil
}

// memDurable is a minimal in-memory durable tier.
type memDurable struct {
	vals map[string]memVal
	tags map[string][]string
}

type memVal struct {
	b   []byte
	exp time.Time
}

func newMemDurable() *memDurable {
	return &memDurable{vals: map[string]memVal{}, tags: map[string][]string{}}
}

func (m *memDurable) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	v, ok := m.vals[key]
	if !ok || time.Now().After(v.exp) {
		return nil, 0, false, nil
	}
	return v.b, time.Until(v.exp), true, nil
}

func (m *memDurable) Set(_ context.Context, key string, val []byte, ttl time.Duration, tags []string) error {
	m.vals[key] = memVal{b: val, exp: time.Now().Add(ttl)}
	for _, t := range tags {
		m.tags[t] = append(m.tags[t], key)
	}
	return nil
}

func (m *memDurable) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.vals, k)
	}
	return nil
}

func (m *memDurable) KeysByTag(_ context.Context, tag string) ([]string, error) {
	return m.tags[tag], nil
}

func (m *memDurable) DropTag(_ context.Context, tag string) error {
	delete(m.tags, tag)
	return nil
}

func newTestFacade(t *testing.T, client Client, limits map[string]ratelimit.Limit) *Facade {
	t.Helper()
	if limits == nil {
		limits = DefaultLimits
	}
	log := zap.NewNop()
	f := NewFacade(client, ratelimit.New(limits, log), cache.New(newMemDurable(), log), log)
	f.sleep = func(context.Context, time.Duration) error { return nil } // no real waiting in tests
	return f
}

func TestAccounts_CachesSecondRead(t *testing.T) {
	fc := &fakeClient{accounts: []Account{{ID: "a1", Balance: 100}}}
	f := newTestFacade(t, fc, nil)
	ctx := context.Background()

	got, out, err := f.Accounts(ctx, "tok", "u1", false)
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	assert.Len(t, got, 1)

	got, out, err = f.Accounts(ctx, "tok", "u1", false)
	require.NoError(t, err)
	assert.True(t, out.FromCache)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, fc.accountCalls, "second read must not hit the provider")

	// Rate-limit status is still reported on cache hits.
	assert.Equal(t, ResourceAccounts, out.RateLimit.Resource)
}

func TestAccounts_BypassSkipsCache(t *testing.T) {
	fc := &fakeClient{accounts: []Account{{ID: "a1"}}}
	f := newTestFacade(t, fc, nil)
	ctx := context.Background()

	_, _, err := f.Accounts(ctx, "tok", "u1", false)
	require.NoError(t, err)
	_, out, err := f.Accounts(ctx, "tok", "u1", true)
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	assert.Equal(t, 2, fc.accountCalls)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	fc := &fakeClient{
		accounts: []Account{{ID: "a1"}},
		accountErrs: []error{
			faults.New(faults.KindTransient, "provider", "connection timed out"),
			faults.New(faults.KindTransient, "provider", "connection timed out"),
		},
	}
	f := newTestFacade(t, fc, nil)

	got, _, err := f.Accounts(context.Background(), "tok", "u1", false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 3, fc.accountCalls)
}

func TestExecute_TerminalNotRetried(t *testing.T) {
	fc := &fakeClient{
		accountErrs: []error{faults.New(faults.KindTerminal, "provider", "invalid credentials")},
	}
	f := newTestFacade(t, fc, nil)

	_, _, err := f.Accounts(context.Background(), "tok", "u1", false)
	require.Error(t, err)
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err))
	assert.Equal(t, 1, fc.accountCalls)
}

func TestExecute_CapacityDenied(t *testing.T) {
	fc := &fakeClient{accounts: []Account{{ID: "a1"}}}
	f := newTestFacade(t, fc, map[string]ratelimit.Limit{
		ResourceAccounts: {Max: 1, Window: time.Hour, MaxPending: 1},
	})
	ctx := context.Background()

	_, _, err := f.Accounts(ctx, "tok", "u1", true)
	require.NoError(t, err)

	_, _, err = f.Accounts(ctx, "tok", "u2", true)
	require.Error(t, err)
	assert.Equal(t, faults.KindCapacity, faults.KindOf(err))
	assert.False(t, faults.RetryAfterOf(err).IsZero())
}

func TestMetrics_TrackCallsAndErrors(t *testing.T) {
	fc := &fakeClient{
		accountErrs: []error{faults.New(faults.KindTerminal, "provider", "forbidden")},
	}
	f := newTestFacade(t, fc, nil)

	_, _, _ = f.Accounts(context.Background(), "tok", "u1", false)

	snap := f.Metrics().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "accounts", snap[0].Op)
	assert.Equal(t, uint64(1), snap[0].Count)
	assert.Equal(t, uint64(1), snap[0].Errors)
}

func TestBatchExecute_IsolatesFailures(t *testing.T) {
	f := newTestFacade(t, &fakeClient{}, nil)

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}
	out := f.BatchExecute(context.Background(), ResourceAccounts, keys, 3,
		func(ctx context.Context, key string) error {
			if key == "k5" {
				return faults.New(faults.KindTerminal, "sync", "invalid credentials")
			}
			return nil
		})

	assert.Equal(t, 9, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	require.Contains(t, out.Errors, "k5")
	assert.Equal(t, faults.KindPartial, faults.KindOf(out.Err()))
}

func TestBatchExecute_AllSucceed(t *testing.T) {
	f := newTestFacade(t, &fakeClient{}, nil)

	out := f.BatchExecute(context.Background(), ResourceAccounts, []string{"a", "b"}, 2,
		func(ctx context.Context, key string) error { return nil })

	assert.Equal(t, 2, out.Succeeded)
	assert.NoError(t, out.Err())
}

func TestBatchExecute_UniformFailureKeepsKind(t *testing.T) {
	f := newTestFacade(t, &fakeClient{}, nil)

	out := f.BatchExecute(context.Background(), ResourceAccounts, []string{"a", "b"}, 2,
		func(ctx context.Context, key string) error {
			return faults.New(faults.KindTransient, "sync", "upstream unavailable")
		})

	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, faults.KindTransient, faults.KindOf(out.Err()),
		"a wholesale failure of one kind keeps that kind")
}

func TestBatchExecute_MixedFailuresArePartial(t *testing.T) {
	f := newTestFacade(t, &fakeClient{}, nil)

	out := f.BatchExecute(context.Background(), ResourceAccounts, []string{"a", "b"}, 2,
		func(ctx context.Context, key string) error {
			if key == "a" {
				return faults.New(faults.KindTerminal, "sync", "invalid credentials")
			}
			return faults.New(faults.KindTransient, "sync", "upstream unavailable")
		})

	assert.Equal(t, faults.KindPartial, faults.KindOf(out.Err()))
}

func TestBatchExecute_PacesFromConfiguredLimit(t *testing.T) {
	f := newTestFacade(t, &fakeClient{}, map[string]ratelimit.Limit{
		ResourceAccounts: {Max: 6, Window: time.Minute, MaxPending: 10},
	})
	var slept []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out := f.BatchExecute(context.Background(), ResourceAccounts, []string{"a", "b", "c", "d"}, 2,
		func(ctx context.Context, key string) error { return nil })

	assert.Equal(t, 4, out.Succeeded)
	// 60s window / 6 per window, times a group of 2: 20s between groups.
	require.Len(t, slept, 1)
	assert.Equal(t, 20*time.Second, slept[0])
}

func TestPing_UsesAuthQuota(t *testing.T) {
	fc := &fakeClient{}
	f := newTestFacade(t, fc, map[string]ratelimit.Limit{
		ResourceAuth: {Max: 1, Window: time.Hour, MaxPending: 1},
	})
	ctx := context.Background()

	require.NoError(t, f.Ping(ctx))
	assert.Equal(t, 1, fc.pings)

	err := f.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, faults.KindCapacity, faults.KindOf(err))
	assert.Equal(t, 1, fc.pings, "a denied ping never reaches the provider")
}
