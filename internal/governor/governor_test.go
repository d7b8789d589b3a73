package governor

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(limit int, window, cooldown time.Duration) (*Governor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	g := New(limit, window, cooldown)
	g.now = clock.now
	return g, clock
}

func TestAcquire_UnderLimit(t *testing.T) {
	g, clock := newTestGovernor(3, time.Minute, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		clock.advance(time.Second)
	}
	if n, _ := g.Stats(); n != 3 {
		t.Errorf("calls in window = %d, want 3", n)
	}
}

func TestAcquire_BlocksWhenWindowFull(t *testing.T) {
	g, _ := newTestGovernor(2, 50*time.Millisecond, 0)
	// Use the real clock so the blocking wait actually elapses.
	g.now = time.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire blocked call: %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("third Acquire waited %v, want at least ~50ms", waited)
	}
}

func TestAcquire_CooldownEnforced(t *testing.T) {
	g, _ := newTestGovernor(0, 0, 40*time.Millisecond)
	g.now = time.Now
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	start := time.Now()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Errorf("second Acquire waited %v, want at least ~40ms", waited)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	g, _ := newTestGovernor(1, time.Hour, 0)
	g.now = time.Now

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Acquire = %v, want context.DeadlineExceeded", err)
	}
}

func TestAcquire_WindowSlides(t *testing.T) {
	g, clock := newTestGovernor(2, time.Minute, 0)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	clock.advance(time.Second)
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// After the window passes, the old entries age out and a new call
	// is admitted without waiting.
	clock.advance(2 * time.Minute)
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after window: %v", err)
	}
	if n, _ := g.Stats(); n != 1 {
		t.Errorf("calls in window = %d, want 1", n)
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	g, _ := newTestGovernor(100, time.Minute, 0)
	g.now = time.Now
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() { done <- g.Acquire(ctx) }()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Acquire: %v", err)
		}
	}
	if n, _ := g.Stats(); n != 20 {
		t.Errorf("calls in window = %d, want 20", n)
	}
}
