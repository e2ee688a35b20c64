package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a single-process Store, for tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process counter store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]time.Time)}
}

func (m *Memory) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	return m.apply(ctx, key, now, window, limit, true)
}

func (m *Memory) Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	return m.apply(ctx, key, now, window, limit, false)
}

func (m *Memory) apply(ctx context.Context, key string, now time.Time, window time.Duration, limit int, record bool) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.entries[key][:0]
	for _, ts := range m.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if record {
		kept = append(kept, now)
		sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	}
	if len(kept) == 0 {
		delete(m.entries, key)
		return Window{}, nil
	}
	m.entries[key] = kept
	return Window{Count: len(kept), Reset: kept[resetIndex(len(kept), limit)].Add(window)}, nil
}

// resetIndex is the entry whose expiry brings the count below limit.
func resetIndex(count, limit int) int {
	if count > limit {
		return count - limit
	}
	return 0
}
