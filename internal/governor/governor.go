// Package governor throttles outbound calls to the decision backend.
// It combines a sliding-window request cap with a minimum delay
// between consecutive calls. A single Governor instance is shared by
// every task run so that concurrent tasks never exceed the provider's
// limits in aggregate.
package governor

import (
	"context"
	"sync"
	"time"
)

// Governor enforces two independent constraints on each call:
//
//  1. at most limit calls inside any trailing window
//  2. at least cooldown between consecutive calls
//
// Acquire blocks until both hold, then records the call. The check,
// the wait, and the record happen under one mutex so that two
// goroutines can never both observe a free slot and claim it.
type Governor struct {
	limit    int
	window   time.Duration
	cooldown time.Duration

	mu    sync.Mutex
	calls []time.Time // timestamps inside the current window, oldest first
	last  time.Time   // most recent recorded call

	now func() time.Time // test hook
}

// New returns a Governor allowing limit calls per window with the
// given minimum delay between calls. A limit of zero disables the
// window cap; a zero cooldown disables the inter-call delay.
func New(limit int, window, cooldown time.Duration) *Governor {
	return &Governor{
		limit:    limit,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Acquire blocks until a call slot is available, records the call, and
// returns nil. It returns the context error if ctx is cancelled while
// waiting. The mutex is held for the full wait so concurrent callers
// are admitted strictly one at a time.
func (g *Governor) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.limit > 0 {
		g.pruneLocked(now)
		if len(g.calls) >= g.limit {
			// The window is full. Wait for the oldest call to age out.
			wait := g.window - now.Sub(g.calls[0])
			if wait > 0 {
				if !sleepCtx(ctx, wait) {
					return ctx.Err()
				}
			}
			now = g.now()
			g.pruneLocked(now)
		}
	}

	if g.cooldown > 0 && !g.last.IsZero() {
		if elapsed := now.Sub(g.last); elapsed < g.cooldown {
			if !sleepCtx(ctx, g.cooldown-elapsed) {
				return ctx.Err()
			}
			now = g.now()
		}
	}

	g.calls = append(g.calls, now)
	g.last = now
	return nil
}

// Stats reports the number of calls inside the current window and the
// time of the most recent call. Used by the status endpoint.
func (g *Governor) Stats() (inWindow int, last time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.calls), g.last
}

// pruneLocked drops timestamps that have aged out of the window.
// Caller must hold g.mu.
func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.calls) && !g.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.calls = append(g.calls[:0], g.calls[i:]...)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
