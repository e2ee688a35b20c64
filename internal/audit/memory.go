package audit

import (
	"context"
	"sort"
	"sync"
)

// Memory is an append-only in-process Store.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	e.Context = cloneContext(e.Context)
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f = f.Normalize()
	m.mu.RLock()
	out := make([]Event, 0, min(len(m.events), f.Limit))
	for i := len(m.events) - 1; i >= 0; i-- {
		if f.Match(m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports how many events have been stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func sortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
}

func cloneContext(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
