package ratelimit

import (
	"context"
	"testing"
	"time"
)

// newTestLimiter returns a limiter with a controllable clock. The returned
// advance function moves the clock forward.
func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { _ = m.Close() })

	current := time.Now()
	m.now = func() time.Time { return current }
	return m, func(d time.Duration) { current = current.Add(d) }
}

func TestAllowSpendsBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}

	ok, _ := m.Allow(ctx, "client-a")
	if ok {
		t.Fatal("request beyond burst was allowed")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	m, advance := newTestLimiter(t, 2, 2)
	ctx := context.Background()

	// Drain the bucket.
	m.Allow(ctx, "client-a")
	m.Allow(ctx, "client-a")
	if ok, _ := m.Allow(ctx, "client-a"); ok {
		t.Fatal("drained bucket still allowed a request")
	}

	// 2 tokens/s, so half a second buys exactly one token.
	advance(500 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "client-a"); !ok {
		t.Fatal("refilled token was not granted")
	}
	if ok, _ := m.Allow(ctx, "client-a"); ok {
		t.Fatal("second request granted with only one token refilled")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	m, advance := newTestLimiter(t, 100, 2)
	ctx := context.Background()

	m.Allow(ctx, "client-a")
	advance(time.Hour)

	// A long idle period must not bank more than the burst.
	granted := 0
	for i := 0; i < 5; i++ {
		if ok, _ := m.Allow(ctx, "client-a"); ok {
			granted++
		}
	}
	if granted != 2 {
		t.Fatalf("granted %d requests after idle, want burst of 2", granted)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "client-a"); !ok {
		t.Fatal("first request for client-a rejected")
	}
	if ok, _ := m.Allow(ctx, "client-a"); ok {
		t.Fatal("client-a exceeded its burst")
	}
	if ok, _ := m.Allow(ctx, "client-b"); !ok {
		t.Fatal("client-b was throttled by client-a's bucket")
	}
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	m, advance := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	m.Allow(ctx, "stale")
	advance(evictAfter + time.Minute)
	m.Allow(ctx, "fresh")
	m.sweep()

	m.mu.Lock()
	_, staleKept := m.buckets["stale"]
	_, freshKept := m.buckets["fresh"]
	m.mu.Unlock()

	if staleKept {
		t.Error("idle key survived the sweep")
	}
	if !freshKept {
		t.Error("active key was evicted")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
