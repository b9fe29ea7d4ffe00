package ratelimit

import (
	"context"
	"sync"
	"time"
)

// evictAfter is how long a domain's bucket may sit idle before the
// maintenance loop drops it. Bounds memory across many one-off domains.
const evictAfter = 10 * time.Minute

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// TokenBucket is an in-memory Limiter with one refillable bucket per key.
// Refill rate is sustained batches per second; capacity is the burst a key
// may spend at once.
type TokenBucket struct {
	rate     float64
	capacity float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewTokenBucket creates a limiter allowing rate units per second with the
// given burst capacity per key. Call Close to stop the eviction loop.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	tb := &TokenBucket{
		rate:     rate,
		capacity: float64(burst),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		done:     make(chan struct{}),
	}
	go tb.evictLoop()
	return tb
}

// Allow spends one token from key's bucket. A key seen for the first time
// starts full.
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		tb.buckets[key] = &bucket{tokens: tb.capacity - 1, lastSeen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * tb.rate
	if b.tokens > tb.capacity {
		b.tokens = tb.capacity
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction loop. Safe to call more than once.
func (tb *TokenBucket) Close() error {
	tb.stopOnce.Do(func() { close(tb.done) })
	return nil
}

func (tb *TokenBucket) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-tb.done:
			return
		case <-ticker.C:
			tb.evictIdle()
		}
	}
}

func (tb *TokenBucket) evictIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	cutoff := tb.now().Add(-evictAfter)
	for key, b := range tb.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(tb.buckets, key)
		}
	}
}
