package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/proofserve/internal/observability"
)

// Config holds the rate limiting settings shared by every website.
type Config struct {
	Capacity   int  // burst allowance per website
	RefillRate int  // sustained requests per second per website
	Enabled    bool // when false Allow always succeeds
}

// WebsiteLimiter keeps one token bucket per website, created on first use.
type WebsiteLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
}

// NewWebsiteLimiter creates a limiter. A nil registry disables metrics.
func NewWebsiteLimiter(config Config, metrics observability.MetricsRegistry) *WebsiteLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &WebsiteLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow reports whether a request for websiteID may proceed.
func (l *WebsiteLimiter) Allow(websiteID string) bool {
	if l == nil || !l.config.Enabled {
		return true
	}

	l.metrics.IncrementRateLimitRequests(websiteID)

	l.mu.RLock()
	bucket, ok := l.buckets[websiteID]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		bucket, ok = l.buckets[websiteID]
		if !ok {
			bucket = newTokenBucket(l.config.Capacity, l.config.RefillRate, l.now)
			l.buckets[websiteID] = bucket
		}
		l.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		l.metrics.IncrementRateLimitHits(websiteID)
	}
	return allowed
}

// Stats returns a snapshot of per-website throttling counts.
func (l *WebsiteLimiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.buckets))
	for id, bucket := range l.buckets {
		hits, total := bucket.Stats()
		rate := 0.0
		if total > 0 {
			rate = float64(hits) / float64(total)
		}
		stats[id] = Stats{WebsiteID: id, Hits: hits, Total: total, HitRate: rate}
	}
	return stats
}

// Stats describes throttling of one website.
type Stats struct {
	WebsiteID string  `json:"website_id"`
	Hits      int64   `json:"hits"`
	Total     int64   `json:"total"`
	HitRate   float64 `json:"hit_rate"` // 0.0-1.0
}

func (s Stats) String() string {
	return fmt.Sprintf("website %s: %d/%d throttled (%.2f%%)", s.WebsiteID, s.Hits, s.Total, s.HitRate*100)
}
