package provider

import (
	"sort"
	"sync"
	"time"
)

// OpStats are per-operation counters for health checks.
type OpStats struct {
	Op         string        `json:"op"`
	Count      uint64        `json:"count"`
	Errors     uint64        `json:"errors"`
	CacheHits  uint64        `json:"cache_hits"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
}

// Metrics aggregates per-operation call counts, error counts and
// average latency. Safe for concurrent use.
type Metrics struct {
	mu  sync.Mutex
	ops map[string]*opAgg
}

type opAgg struct {
	count     uint64
	errors    uint64
	cacheHits uint64
	total     time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{ops: make(map[string]*opAgg)}
}

func (m *Metrics) observe(op string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agg(op)
	a.count++
	a.total += d
	if failed {
		a.errors++
	}
}

func (m *Metrics) cacheHit(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agg(op).cacheHits++
}

func (m *Metrics) agg(op string) *opAgg {
	a, ok := m.ops[op]
	if !ok {
		a = &opAgg{}
		m.ops[op] = a
	}
	return a
}

// Snapshot returns the current stats sorted by operation name.
func (m *Metrics) Snapshot() []OpStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OpStats, 0, len(m.ops))
	for op, a := range m.ops {
		st := OpStats{Op: op, Count: a.count, Errors: a.errors, CacheHits: a.cacheHits}
		if a.count > 0 {
			st.AvgLatency = a.total / time.Duration(a.count)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}
