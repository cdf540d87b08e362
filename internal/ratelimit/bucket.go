package ratelimit

import (
	"sync"
	"time"
)

// Bucket implements a token bucket refilled at a per-minute rate.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket for config. Zero fields fall back to the
// tier named in config, then to DefaultConfig.
func NewBucket(config Config) *Bucket {
	return newBucket(config.resolve(), time.Now)
}

func newBucket(config Config, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerMinute / 60,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	return b.Reserve() == 0
}

// Reserve consumes a token and returns 0, or returns how long the caller
// must wait before a token will be available. Nothing is consumed when the
// returned duration is positive.
func (b *Bucket) Reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// refund returns a token consumed by a call that did not go out.
func (b *Bucket) refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens++
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
