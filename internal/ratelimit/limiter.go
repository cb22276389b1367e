// Package ratelimit implements C5: a sliding-window throttle over outbound
// control-plane calls plus a small concurrency ceiling shared by every call
// site (spec.md §4.5).
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter is a sliding-window counter bounded to Limit admissions per Window,
// grounded on the original worker's deque-based RateLimiter (collections.deque
// of timestamps, popped from the left as they age out).
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps *list.List
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		limit:  limit,
		stamps: list.New(),
	}
}

// Allow is non-blocking: it admits the caller and returns true, or refuses
// and returns false, never sleeping.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	for l.stamps.Len() > 0 {
		front := l.stamps.Front()
		if front.Value.(time.Time).Before(cutoff) {
			l.stamps.Remove(front)
			continue
		}
		break
	}

	if l.stamps.Len() < l.limit {
		l.stamps.PushBack(now)
		return true
	}
	return false
}

// Throttle polls Allow, yielding 500ms between tries, until admitted or ctx
// is done.
func (l *Limiter) Throttle(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Reset clears the window, used by the watchdog on restart (spec §4.6).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps.Init()
}

// Reconfigure swaps limit/window atomically, used when globalConfig changes
// rateLimitPerMin.
func (l *Limiter) Reconfigure(limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.window = window
}

// ConcurrencyGate caps the number of in-flight control-plane calls across the
// whole process (default 2, spec §4.5). Acquire always returns a release
// func, even on a timed-out/failed acquisition (a no-op in that case), so
// callers can safely `defer release()` unconditionally.
type ConcurrencyGate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewConcurrencyGate(capacity int64, acquireTimeout time.Duration) *ConcurrencyGate {
	return &ConcurrencyGate{
		sem:     semaphore.NewWeighted(capacity),
		timeout: acquireTimeout,
	}
}

// Acquire blocks for a slot up to the gate's configured timeout. The
// returned release func must be called exactly once; it is safe to call even
// if acquisition failed (it's then a no-op).
func (g *ConcurrencyGate) Acquire(ctx context.Context) (release func(), err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}

// Reset recreates the semaphore, used by the watchdog on restart so any
// permits held by executions it is about to kill don't leak permanently.
func (g *ConcurrencyGate) Reset(capacity int64) {
	g.sem = semaphore.NewWeighted(capacity)
}
