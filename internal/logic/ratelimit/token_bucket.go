// Package ratelimit throttles evaluation traffic per website with token
// buckets.
//
// A bucket allows bursts up to its capacity and a sustained rate equal to its
// refill rate. Widgets poll on timers, so a misconfigured site (an interval of
// a few milliseconds, a reload loop) shows up as a burst that the bucket
// absorbs before it reaches the session store.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. Each request consumes one token;
// an empty bucket rejects requests until tokens refill.
//
//	bucket := NewTokenBucket(100, 10) // burst of 100, 10 requests/second
//	if !bucket.Allow() {
//	    // throttled
//	}
type TokenBucket struct {
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
	hitCount   int64 // requests rejected
	totalCount int64 // requests seen
}

// NewTokenBucket creates a full bucket with the given capacity and refill rate
// in tokens per second.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and reports whether one was available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if add := int(elapsed.Seconds() * float64(tb.refillRate)); add > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+add)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Stats returns the number of rejected requests and the total seen.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}
