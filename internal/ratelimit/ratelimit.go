// Package ratelimit bounds sync throughput with a token bucket or a
// sliding window. Both are safe for concurrent use.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket grants up to maxTokens at once, refilling over refillRate.
// With allowBurst, a full refill interval restores the bucket to max in one
// step; otherwise tokens accrue proportionally to elapsed time.
type TokenBucket struct {
	mu         sync.Mutex
	maxTokens  float64
	refillRate time.Duration
	allowBurst bool
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket returns a full bucket. refillRate is the time to refill
// the whole bucket from empty.
func NewTokenBucket(maxTokens int, refillRate time.Duration, allowBurst bool) *TokenBucket {
	tb := &TokenBucket{
		maxTokens:  float64(maxTokens),
		refillRate: refillRate,
		allowBurst: allowBurst,
		now:        time.Now,
	}
	tb.tokens = tb.maxTokens
	tb.lastRefill = tb.now()
	return tb
}

// TryAcquire takes n tokens without blocking. Returns false when the
// bucket cannot cover n.
func (tb *TokenBucket) TryAcquire(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

// Acquire blocks until n tokens are available or ctx is done. Waiting is
// cooperative: the caller sleeps in short slices sized to the refill rate.
func (tb *TokenBucket) Acquire(ctx context.Context, n int) error {
	for {
		if tb.TryAcquire(n) {
			return nil
		}
		wait := tb.refillRate / 10
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the current balance after refill.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// refill credits tokens for time elapsed since the last refill.
// Caller holds mu.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	if tb.allowBurst && elapsed >= tb.refillRate {
		tb.tokens = tb.maxTokens
		tb.lastRefill = now
		return
	}
	tb.tokens += tb.maxTokens * float64(elapsed) / float64(tb.refillRate)
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// SlidingWindow admits at most maxRequests within any windowSize span.
// Preferred over the bucket where per-window fairness matters more than
// burst tolerance.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	windowSize  time.Duration
	timestamps  []time.Time
	now         func() time.Time
}

func NewSlidingWindow(maxRequests int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxRequests: maxRequests,
		windowSize:  windowSize,
		now:         time.Now,
	}
}

// TryAcquire admits one request if the window has capacity.
func (sw *SlidingWindow) TryAcquire() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := sw.now()
	sw.evict(now)
	if len(sw.timestamps) >= sw.maxRequests {
		return false
	}
	sw.timestamps = append(sw.timestamps, now)
	return true
}

// Remaining reports how many requests the current window still admits.
func (sw *SlidingWindow) Remaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.evict(sw.now())
	return sw.maxRequests - len(sw.timestamps)
}

// evict drops timestamps older than now - windowSize. Caller holds mu.
func (sw *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.timestamps) && !sw.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = append(sw.timestamps[:0], sw.timestamps[i:]...)
	}
}
