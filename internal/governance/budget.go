package governance

import (
	"math"
	"sync"
	"time"
)

// BudgetConfig bounds how many retries per second all chains together may
// spend against one host.
type BudgetConfig struct {
	RetriesPerSecond float64
	Burst            int
}

// RetryBudget hands out retry tokens per host from token buckets. A host with
// no bucket yet starts with a full one.
type RetryBudget struct {
	mu      sync.Mutex
	config  BudgetConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRetryBudget creates a budget. Non-positive rates disable the budget.
func NewRetryBudget(config BudgetConfig) *RetryBudget {
	if config.Burst <= 0 {
		config.Burst = int(config.RetriesPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	return &RetryBudget{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes one retry token for host and reports whether one was left.
func (b *RetryBudget) Allow(host string) bool {
	if b == nil || b.config.RetriesPerSecond <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bucket, ok := b.buckets[host]
	if !ok {
		bucket = &tokenBucket{tokens: float64(b.config.Burst), lastRefill: now}
		b.buckets[host] = bucket
	}
	bucket.refill(now, b.config.RetriesPerSecond, float64(b.config.Burst))

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true
	}
	return false
}

// Available reports the tokens currently left for host. A disabled budget
// reports +Inf.
func (b *RetryBudget) Available(host string) float64 {
	if b == nil || b.config.RetriesPerSecond <= 0 {
		return math.Inf(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[host]
	if !ok {
		return float64(b.config.Burst)
	}
	bucket.refill(b.now(), b.config.RetriesPerSecond, float64(b.config.Burst))
	return bucket.tokens
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) refill(now time.Time, rate, capacity float64) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * rate
	if tb.tokens > capacity {
		tb.tokens = capacity
	}
	tb.lastRefill = now
}
