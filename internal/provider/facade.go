package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brinternational/income-clarity-sub015/internal/cache"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/ratelimit"
)

// DefaultLimits are the per-endpoint-category provider quotas.
var DefaultLimits = map[string]ratelimit.Limit{
	ResourceAuth:         {Max: 10, Window: time.Minute, MaxPending: 20},
	ResourceAccounts:     {Max: 20, Window: time.Minute, MaxPending: 50},
	ResourceTransactions: {Max: 60, Window: time.Minute, MaxPending: 100},
	ResourceHoldings:     {Max: 30, Window: time.Minute, MaxPending: 50},
	ResourceRefresh:      {Max: 10, Window: time.Minute, MaxPending: 30},
}

const (
	maxTransientRetries = 2
	transientRetryBase  = 500 * time.Millisecond
)

// Outcome reports how a facade call was served.
type Outcome struct {
	FromCache bool
	RateLimit ratelimit.Status
}

// Facade is the single chokepoint for provider access: cache first,
// then rate-limit admission, then the underlying call with bounded
// retries for transient failures.
type Facade struct {
	client  Client
	limiter *ratelimit.Limiter
	cache   *cache.Tiered
	metrics *Metrics
	log     *zap.Logger

	sleep func(context.Context, time.Duration) error
}

// NewFacade wires the facade. All collaborators are constructed by the
// caller and shared across the process.
func NewFacade(client Client, limiter *ratelimit.Limiter, c *cache.Tiered, log *zap.Logger) *Facade {
	return &Facade{
		client:  client,
		limiter: limiter,
		cache:   c,
		metrics: NewMetrics(),
		log:     log.Named("facade"),
		sleep:   sleepCtx,
	}
}

// Metrics exposes the per-operation counters for the health surface.
func (f *Facade) Metrics() *Metrics { return f.metrics }

// Accounts returns the user's linked accounts. scope namespaces the
// cache key (one entry per user); bypass forces a provider fetch.
func (f *Facade) Accounts(ctx context.Context, token, scope string, bypass bool) ([]Account, Outcome, error) {
	key := "accounts:" + scope
	var accounts []Account
	out, err := f.cached(ctx, "accounts", ResourceAccounts, key, TTLAccounts, bypass,
		[]string{"user:" + scope}, &accounts,
		func(ctx context.Context) (interface{}, error) {
			return f.client.GetAccounts(ctx, token)
		})
	return accounts, out, err
}

// Transactions returns transactions in [from, to] for the given
// accounts (all accounts when accountIDs is empty).
func (f *Facade) Transactions(ctx context.Context, token, scope string, from, to time.Time, accountIDs []string, bypass bool) ([]Transaction, Outcome, error) {
	key := fmt.Sprintf("transactions:%s:%s:%s", scope, from.Format("20060102"), to.Format("20060102"))
	var txs []Transaction
	out, err := f.cached(ctx, "transactions", ResourceTransactions, key, TTLTransactions, bypass,
		[]string{"user:" + scope}, &txs,
		func(ctx context.Context) (interface{}, error) {
			return f.client.GetTransactions(ctx, token, from, to, accountIDs)
		})
	return txs, out, err
}

// Holdings returns investment positions for the given accounts.
func (f *Facade) Holdings(ctx context.Context, token, scope string, accountIDs []string, bypass bool) ([]Holding, Outcome, error) {
	key := "holdings:" + scope
	var holdings []Holding
	out, err := f.cached(ctx, "holdings", ResourceHoldings, key, TTLHoldings, bypass,
		[]string{"user:" + scope}, &holdings,
		func(ctx context.Context) (interface{}, error) {
			return f.client.GetHoldings(ctx, token, accountIDs)
		})
	return holdings, out, err
}

// Ping verifies reachability and credentials against the provider's
// auth endpoint. Never cached: the point is a live round trip.
func (f *Facade) Ping(ctx context.Context) error {
	return f.execute(ctx, "ping", ResourceAuth, func(ctx context.Context) error {
		return f.client.Ping(ctx)
	})
}

// Refresh asks the provider to re-pull an account from the institution.
// Never cached.
func (f *Facade) Refresh(ctx context.Context, token, accountID string) (RefreshStatus, error) {
	var st RefreshStatus
	err := f.execute(ctx, "refresh", ResourceRefresh, func(ctx context.Context) error {
		var err error
		st, err = f.client.RefreshAccount(ctx, token, accountID)
		return err
	})
	return st, err
}

// RefreshStatus polls the state of a previously requested refresh.
func (f *Facade) RefreshStatus(ctx context.Context, token, accountID string) (RefreshStatus, error) {
	var st RefreshStatus
	err := f.execute(ctx, "refresh_status", ResourceRefresh, func(ctx context.Context) error {
		var err error
		st, err = f.client.GetRefreshStatus(ctx, token, accountID)
		return err
	})
	return st, err
}

// cached is the common read path: cache -> limiter -> call -> cache.
// The decoded value lands in dst both on hit and after a fetch.
func (f *Facade) cached(ctx context.Context, op, resource, key string, ttl time.Duration, bypass bool, tags []string, dst interface{}, fetch func(context.Context) (interface{}, error)) (Outcome, error) {
	if !bypass {
		hit, err := f.cache.Get(ctx, key, dst)
		if err != nil {
			f.log.Warn("cache read failed, falling through", zap.String("key", key), zap.Error(err))
		} else if hit {
			f.metrics.cacheHit(op)
			return f.outcome(resource, true), nil
		}
	}

	var fetched interface{}
	err := f.execute(ctx, op, resource, func(ctx context.Context) error {
		var err error
		fetched, err = fetch(ctx)
		return err
	})
	if err != nil {
		return f.outcome(resource, false), err
	}

	// Round-trip through msgpack so dst is populated by the same decode
	// path as a cache hit.
	raw, err := msgpack.Marshal(fetched)
	if err != nil {
		return f.outcome(resource, false), err
	}
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		return f.outcome(resource, false), err
	}

	if err := f.cache.Set(ctx, key, fetched, ttl, tags...); err != nil {
		f.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return f.outcome(resource, false), nil
}

// execute admits the call against the resource quota, then runs it with
// bounded retries for transient failures. Capacity denials surface to
// the caller, who decides whether to retry later.
func (f *Facade) execute(ctx context.Context, op, resource string, call func(context.Context) error) error {
	start := time.Now()
	err := f.executeOnce(ctx, op, resource, call)
	f.metrics.observe(op, time.Since(start), err != nil)
	return err
}

func (f *Facade) executeOnce(ctx context.Context, op, resource string, call func(context.Context) error) error {
	d, err := f.limiter.Admit(resource, 1)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return faults.Capacity(op, d.WaitUntil, "provider quota exhausted for "+resource)
	}

	var last error
	for attempt := 0; ; attempt++ {
		last = call(ctx)
		if last == nil {
			return nil
		}
		if attempt >= maxTransientRetries || faults.KindOf(last) != faults.KindTransient {
			return last
		}
		delay := transientRetryBase << uint(attempt)
		f.log.Debug("transient provider error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(last))
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
		// Each retry is a fresh request against the quota.
		d, err := f.limiter.Admit(resource, 1)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return faults.Capacity(op, d.WaitUntil, "provider quota exhausted for "+resource)
		}
	}
}

func (f *Facade) outcome(resource string, fromCache bool) Outcome {
	st, err := f.limiter.Status(resource)
	if err != nil {
		return Outcome{FromCache: fromCache}
	}
	return Outcome{FromCache: fromCache, RateLimit: st}
}

// BatchOutcome summarizes a BatchExecute run. Items are classified
// independently: the batch overall is "completed with errors", never a
// wholesale failure.
type BatchOutcome struct {
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// Err returns nil when everything succeeded, the common classified
// kind when every item failed the same way and nothing succeeded, or a
// Partial fault.
func (b BatchOutcome) Err() error {
	if b.Failed == 0 {
		return nil
	}
	if b.Succeeded == 0 {
		if kind, uniform := b.failureKind(); uniform {
			return faults.New(kind, "provider.batch",
				fmt.Sprintf("all %d items failed", b.Failed))
		}
	}
	return faults.New(faults.KindPartial, "provider.batch",
		fmt.Sprintf("%d of %d items failed", b.Failed, b.Succeeded+b.Failed))
}

// failureKind reports the single kind shared by every recorded error.
func (b BatchOutcome) failureKind() (faults.Kind, bool) {
	kind := faults.KindUnknown
	first := true
	for _, err := range b.Errors {
		k := faults.KindOf(err)
		if first {
			kind, first = k, false
			continue
		}
		if k != kind {
			return faults.KindUnknown, false
		}
	}
	return kind, !first
}

// BatchExecute drives many independent calls in concurrency-limited
// groups, inserting an inter-group delay sized to the resource's window
// so aggregate throughput never exceeds the configured rate.
func (f *Facade) BatchExecute(ctx context.Context, resource string, keys []string, groupSize int, fn func(ctx context.Context, key string) error) BatchOutcome {
	if groupSize < 1 {
		groupSize = 1
	}
	out := BatchOutcome{Errors: make(map[string]error)}
	delay := f.interGroupDelay(resource, groupSize)

	for start := 0; start < len(keys); start += groupSize {
		end := start + groupSize
		if end > len(keys) {
			end = len(keys)
		}
		group := keys[start:end]

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(groupSize)
		for _, key := range group {
			key := key
			g.Go(func() error {
				if err := fn(gctx, key); err != nil {
					mu.Lock()
					out.Errors[key] = err
					out.Failed++
					mu.Unlock()
					return nil // one item's failure must not abort the group
				}
				mu.Lock()
				out.Succeeded++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(keys) && delay > 0 {
			if err := f.sleep(ctx, delay); err != nil {
				// Context cancelled: remaining items count as failed.
				for _, k := range keys[end:] {
					out.Errors[k] = err
					out.Failed++
				}
				return out
			}
		}
	}
	return out
}

// interGroupDelay paces groups so a full batch cannot burst past the
// resource quota: window / max per call, times the group size. The
// quota is whatever the limiter was configured with, not the package
// defaults.
func (f *Facade) interGroupDelay(resource string, groupSize int) time.Duration {
	lim, ok := f.limiter.Limit(resource)
	if !ok || lim.Max == 0 {
		return 0
	}
	return lim.Window / time.Duration(lim.Max) * time.Duration(groupSize)
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
