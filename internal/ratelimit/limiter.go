// Package ratelimit implements sliding-window counters keyed by (scope, key)
// over a shared counter store. The limiter holds no counters in-process; the
// store is the only shared state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultTimeout = 250 * time.Millisecond

// ErrUnavailable is returned, together with a denying Decision, when the
// counter store cannot answer within the deadline.
var ErrUnavailable = errors.New("ratelimit: counter store unavailable")

// Rule names one counter and its budget.
type Rule struct {
	Scope  string
	Key    string
	Limit  int
	Window time.Duration
}

func (r Rule) storeKey() string {
	return "rl:" + r.Scope + ":" + r.Key
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Scope is the first denying scope, empty when allowed.
	Scope string
}

// RetryAfter converts ResetAt into a client backoff hint, at least one second when denied.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Window is what a store reports about one key after eviction.
type Window struct {
	// Count is the number of entries still inside the window.
	Count int
	// Reset is when the entry that must expire before the next call can be
	// allowed drops out; zero when the window is empty.
	Reset time.Time
}

// Store is a shared counter store with atomic record-evict-count semantics.
type Store interface {
	// Hit evicts entries older than window, records now and reports the window.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error)
	// Peek evicts and reports without recording.
	Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error)
}

// Limiter applies rules against a Store.
type Limiter struct {
	store   Store
	now     func() time.Time
	timeout time.Duration
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithTimeout bounds every store round trip.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New constructs a Limiter.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one attempt against rule. Denied attempts are recorded too, so
// sustained abuse keeps the window full. Store failures deny.
func (l *Limiter) Allow(ctx context.Context, rule Rule) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: invalid rule for scope %q", rule.Scope)
	}
	now := l.now()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	win, err := l.store.Hit(ctx, rule.storeKey(), now, rule.Window, rule.Limit)
	if err != nil {
		return Decision{Allowed: false, ResetAt: now.Add(rule.Window), Scope: rule.Scope},
			fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d := Decision{
		Allowed:   win.Count <= rule.Limit,
		Remaining: max(rule.Limit-win.Count, 0),
		ResetAt:   win.Reset,
	}
	if d.ResetAt.IsZero() {
		d.ResetAt = now.Add(rule.Window)
	}
	if !d.Allowed {
		d.Scope = rule.Scope
	}
	return d, nil
}

// AllowAll applies every rule and permits only when all permit. Every rule is
// evaluated even after a denial so each scope's counter records the attempt.
func (l *Limiter) AllowAll(ctx context.Context, rules ...Rule) (Decision, error) {
	combined := Decision{Allowed: true, Remaining: -1}
	var firstErr error
	for _, rule := range rules {
		d, err := l.Allow(ctx, rule)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if combined.Remaining < 0 || d.Remaining < combined.Remaining {
			combined.Remaining = d.Remaining
		}
		if d.Allowed {
			if combined.Allowed && d.ResetAt.After(combined.ResetAt) {
				combined.ResetAt = d.ResetAt
			}
			continue
		}
		if combined.Allowed {
			combined.Allowed = false
			combined.Scope = d.Scope
			combined.ResetAt = d.ResetAt
		} else if d.ResetAt.After(combined.ResetAt) {
			combined.ResetAt = d.ResetAt
		}
	}
	if combined.Remaining < 0 {
		combined.Remaining = 0
	}
	return combined, firstErr
}

// RetryAfter reports how long the caller must wait before rule would allow
// again, without recording an attempt.
func (l *Limiter) RetryAfter(ctx context.Context, rule Rule) (time.Duration, error) {
	now := l.now()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	win, err := l.store.Peek(ctx, rule.storeKey(), now, rule.Window, rule.Limit)
	if err != nil {
		return rule.Window, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if win.Count < rule.Limit || win.Reset.IsZero() {
		return 0, nil
	}
	if wait := win.Reset.Sub(now); wait > 0 {
		return wait, nil
	}
	return 0, nil
}
