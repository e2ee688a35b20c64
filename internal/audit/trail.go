// Package audit records every security-relevant transition as an immutable event.
//
// The Trail fronts a durable Store. Each write gets a short deadline and a small
// retry budget; when both are spent the event is kept in a bounded local buffer
// and an alert metric is raised, so activation is never blocked indefinitely on
// the audit store. Buffered events are replayed by Flush.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"passage.org/internal/ids"
	"passage.org/internal/obs"
)

const (
	defaultTimeout    = 500 * time.Millisecond
	defaultRetries    = 2
	defaultBackoff    = 50 * time.Millisecond
	defaultBufferSize = 10000
)

// Trail appends events to a Store with bounded retries and a local buffer.
type Trail struct {
	store      Store
	now        func() time.Time
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	bufferSize int
	failClosed bool

	mu      sync.Mutex
	pending []Event
	dropped int
}

// Option configures Trail.
type Option func(*Trail)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithTimeout bounds each store write.
func WithTimeout(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRetries sets how many extra writes are tried before buffering.
func WithRetries(n int, backoff time.Duration) Option {
	return func(t *Trail) {
		if n >= 0 {
			t.retries = n
		}
		if backoff >= 0 {
			t.backoff = backoff
		}
	}
}

// WithBufferSize caps the local buffer.
func WithBufferSize(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithFailClosed makes Append return ErrUnavailable instead of buffering.
func WithFailClosed(on bool) Option {
	return func(t *Trail) { t.failClosed = on }
}

// NewTrail constructs a Trail over store.
func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:      store,
		now:        time.Now,
		timeout:    defaultTimeout,
		retries:    defaultRetries,
		backoff:    defaultBackoff,
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append stamps and records e. It returns only after the event is either in
// the store or in the local buffer, so callers can rely on the write having
// happened before they respond.
func (t *Trail) Append(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = ids.NewAt(t.now())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	LogEvent(ctx, e)

	err := t.write(ctx, e)
	if err == nil {
		return nil
	}
	obs.ObserveAuditFailure()
	obs.Logger().Error().Err(err).
		Str("event_id", e.ID).
		Str("event", string(e.Kind)).
		Bool("fail_closed", t.failClosed).
		Msg("audit_store_unavailable")
	if t.failClosed {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.buffer(e)
	return nil
}

// write tries the store with a per-try deadline. Caller cancellation does not
// abort the write.
func (t *Trail) write(ctx context.Context, e Event) error {
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 && t.backoff > 0 {
			time.Sleep(t.backoff * time.Duration(attempt))
		}
		wctx, cancel := context.WithTimeout(base, t.timeout)
		err = t.store.Append(wctx, e)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (t *Trail) buffer(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= t.bufferSize {
		// oldest event is lost; the count is reported on every overflow
		t.pending = t.pending[1:]
		t.dropped++
		obs.Logger().Error().Int("dropped_total", t.dropped).Msg("audit_buffer_overflow")
	}
	t.pending = append(t.pending, e)
	obs.SetAuditBuffered(len(t.pending))
}

// Buffered reports how many events await the store.
func (t *Trail) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Dropped reports how many buffered events were lost to overflow.
func (t *Trail) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Flush replays buffered events in order and stops at the first failure,
// keeping the remainder for the next call.
func (t *Trail) Flush(ctx context.Context) (int, error) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	flushed := 0
	var err error
	for i, e := range batch {
		wctx, cancel := context.WithTimeout(ctx, t.timeout)
		err = t.store.Append(wctx, e)
		cancel()
		if err != nil {
			t.requeue(batch[i:])
			break
		}
		flushed++
	}
	if flushed > 0 {
		obs.Logger().Info().Int("flushed", flushed).Msg("audit_buffer_flushed")
	}
	t.mu.Lock()
	obs.SetAuditBuffered(len(t.pending))
	t.mu.Unlock()
	return flushed, err
}

// requeue puts rest back in front of anything buffered meanwhile.
func (t *Trail) requeue(rest []Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make([]Event, 0, len(rest)+len(t.pending))
	merged = append(merged, rest...)
	merged = append(merged, t.pending...)
	if over := len(merged) - t.bufferSize; over > 0 {
		merged = merged[over:]
		t.dropped += over
	}
	t.pending = merged
}

// Run flushes every interval until ctx is done, then makes a last attempt.
func (t *Trail) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := t.Flush(final); err != nil {
				obs.Logger().Error().Err(err).Int("pending", t.Buffered()).Msg("audit_final_flush_failed")
			}
			cancel()
			return
		case <-ticker.C:
			if t.Buffered() == 0 {
				continue
			}
			if _, err := t.Flush(ctx); err != nil {
				obs.Logger().Warn().Err(err).Int("pending", t.Buffered()).Msg("audit_flush_failed")
			}
		}
	}
}

// Query returns matching events from the store followed by any that are still
// buffered, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Event, error) {
	f = f.Normalize()
	out, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	for _, e := range t.pending {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	t.mu.Unlock()
	sortNewestFirst(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ping reports whether the store answers a trivial query.
func (t *Trail) Ping(ctx context.Context) error {
	_, err := t.store.Query(ctx, Filter{Limit: 1})
	return err
}
