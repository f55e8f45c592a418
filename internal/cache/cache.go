// Package cache is a two-tier cache: a fast in-process tier backed by a
// shared durable tier (Redis). Values are msgpack-encoded, carry a TTL
// and optional tags for bulk invalidation. An entry is never trusted
// past its TTL; expiry in either tier forces the caller back to the
// source of truth.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DurableTier is the shared second-level store. Implemented by
// RedisTier in production and by an in-memory fake in tests.
type DurableTier interface {
	// Get returns the stored bytes and the remaining TTL.
	Get(ctx context.Context, key string) (val []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, keys ...string) error
	KeysByTag(ctx context.Context, tag string) ([]string, error)
	DropTag(ctx context.Context, tag string) error
}

// Stats are cumulative counters for the health surface.
type Stats struct {
	FastHits      uint64 `json:"fast_hits"`
	DurableHits   uint64 `json:"durable_hits"`
	Misses        uint64 `json:"misses"`
	Sets          uint64 `json:"sets"`
	Invalidations uint64 `json:"invalidations"`
	FastEntries   int    `json:"fast_entries"`
}

type localEntry struct {
	val       []byte
	expiresAt time.Time
	tags      []string
}

// Tiered is the two-tier cache. Safe for concurrent use.
type Tiered struct {
	durable DurableTier

	mu     sync.RWMutex
	local  map[string]localEntry
	tagIdx map[string]map[string]struct{}

	fastHits      atomic.Uint64
	durableHits   atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	invalidations atomic.Uint64

	now func() time.Time
	log *zap.Logger
}

// New builds a tiered cache over the given durable tier.
func New(durable DurableTier, log *zap.Logger) *Tiered {
	return &Tiered{
		durable: durable,
		local:   make(map[string]localEntry),
		tagIdx:  make(map[string]map[string]struct{}),
		now:     time.Now,
		log:     log.Named("cache"),
	}
}

// Get loads key into out. Reads consult the fast tier first; on miss the
// durable tier is consulted and the fast tier backfilled. Returns false
// on a full miss, in which case the caller fetches from source and Sets.
func (c *Tiered) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		c.fastHits.Add(1)
		return true, msgpack.Unmarshal(e.val, out)
	}

	val, ttl, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || ttl <= 0 {
		c.misses.Add(1)
		return false, nil
	}
	c.durableHits.Add(1)
	c.storeLocal(key, val, ttl, nil)
	return true, msgpack.Unmarshal(val, out)
}

// Set writes to both tiers.
func (c *Tiered) Set(ctx context.Context, key string, val interface{}, ttl time.Duration, tags ...string) error {
	raw, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	if err := c.durable.Set(ctx, key, raw, ttl, tags); err != nil {
		return err
	}
	c.storeLocal(key, raw, ttl, tags)
	c.sets.Add(1)
	return nil
}

// Delete removes a single key from both tiers.
func (c *Tiered) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.dropLocalLocked(key)
	c.mu.Unlock()
	return c.durable.Delete(ctx, key)
}

// InvalidateByTag evicts every entry sharing the tag from both tiers.
// Used when a user's underlying account data changes.
func (c *Tiered) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	keys, err := c.durable.KeysByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		if err := c.durable.Delete(ctx, keys...); err != nil {
			return 0, err
		}
	}
	if err := c.durable.DropTag(ctx, tag); err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, k := range keys {
		c.dropLocalLocked(k)
	}
	// Local-only keys tagged before the durable tier lost them.
	for k := range c.tagIdx[tag] {
		c.dropLocalLocked(k)
	}
	delete(c.tagIdx, tag)
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.log.Debug("invalidated by tag", zap.String("tag", tag), zap.Int("keys", len(keys)))
	return len(keys), nil
}

// PurgeExpired sweeps expired entries out of the fast tier and returns
// how many were removed. The durable tier expires entries on its own.
func (c *Tiered) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.local {
		if !now.Before(e.expiresAt) {
			c.dropLocalLocked(k)
			removed++
		}
	}
	return removed
}

// CountExpired reports how many fast-tier entries have expired without
// removing them: the dry-run counterpart of PurgeExpired.
func (c *Tiered) CountExpired() int {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.local {
		if !now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Tiered) Stats() Stats {
	c.mu.RLock()
	entries := len(c.local)
	c.mu.RUnlock()
	return Stats{
		FastHits:      c.fastHits.Load(),
		DurableHits:   c.durableHits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		FastEntries:   entries,
	}
}

func (c *Tiered) storeLocal(key string, raw []byte, ttl time.Duration, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocalLocked(key)
	c.local[key] = localEntry{val: raw, expiresAt: c.now().Add(ttl), tags: tags}
	for _, t := range tags {
		if c.tagIdx[t] == nil {
			c.tagIdx[t] = make(map[string]struct{})
		}
		c.tagIdx[t][key] = struct{}{}
	}
}

// dropLocalLocked removes a key and its tag index entries.
func (c *Tiered) dropLocalLocked(key string) {
	e, ok := c.local[key]
	if !ok {
		return
	}
	for _, t := range e.tags {
		if set := c.tagIdx[t]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tagIdx, t)
			}
		}
	}
	delete(c.local, key)
}
