package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is an in-process token bucket Limiter. Each key owns an
// independent bucket that refills at a sustained rate and caps at a burst
// size. Keys idle past the eviction threshold are swept by a background
// goroutine so the bucket map stays bounded.
//
// Suitable for a single instance. A multi-instance deployment limits per
// instance, which is acceptable for protecting the synchronous generation
// path but is not a global quota.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*clientBucket

	now func() time.Time // injectable for tests

	stopOnce sync.Once
	done     chan struct{}
}

// clientBucket tracks one key's remaining tokens. level is the token count
// as of touched; refill happens lazily on the next take.
type clientBucket struct {
	level   float64
	touched time.Time
}

const (
	evictAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

// NewMemoryLimiter returns a limiter allowing a sustained rate of requests
// per second per key, with bursts up to burst. Call Close to stop the
// eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*clientBucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow spends one token from key's bucket. False means the caller should
// reject the request. The error return exists only to satisfy Limiter;
// the in-memory implementation cannot fail.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// New key starts full; this request spends the first token.
		m.buckets[key] = &clientBucket{level: m.burst - 1, touched: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// take refills b for the elapsed time and spends a token if one is
// available. Caller holds the limiter mutex.
func (b *clientBucket) take(now time.Time, rate, burst float64) bool {
	b.level += now.Sub(b.touched).Seconds() * rate
	if b.level > burst {
		b.level = burst
	}
	b.touched = now

	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle past evictAfter. An evicted key that returns
// simply starts a fresh full bucket, which a long-idle key would have
// refilled to anyway.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-evictAfter)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
