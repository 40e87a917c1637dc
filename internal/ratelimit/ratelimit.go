// Package ratelimit implements a per-provider token bucket with adaptive
// back-off.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is the mutable state for one provider's rate limit.
type bucket struct {
	mu             sync.Mutex
	tokens         float64
	lastUpdate     time.Time
	maxTokens      float64
	refillRate     float64 // tokens per second, at adaptiveFactor == 1
	adaptiveFactor float64
}

func (b *bucket) availableTokens(now time.Time) float64 {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	newTokens := elapsed * b.refillRate * b.adaptiveFactor
	available := b.tokens + newTokens
	if available > b.maxTokens {
		return b.maxTokens
	}
	return available
}

// Limiter is a token-bucket rate limiter with adaptive backoff, one bucket
// per provider. Concurrency model: a global mutex guards the map of
// per-provider buckets (created by Configure under that mutex); each
// bucket's own mutex serializes access to that provider's state, so a
// single provider's bucket is only ever touched by one goroutine at a time.
type Limiter struct {
	globalMu sync.Mutex
	buckets  map[string]*bucket
}

// New creates an empty rate limiter. Providers must be configured via
// Configure before Acquire/TryAcquire have any effect; an unconfigured
// provider is treated as unlimited.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Configure sets up the bucket for a provider. burstSize defaults to
// max(1, requestsPerMinute/6) — roughly ten seconds' worth of requests —
// when zero is passed.
func (l *Limiter) Configure(providerName string, requestsPerMinute int, burstSize int) {
	if burstSize <= 0 {
		burstSize = requestsPerMinute / 6
		if burstSize < 1 {
			burstSize = 1
		}
	}
	refillRate := float64(requestsPerMinute) / 60.0

	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.buckets[providerName] = &bucket{
		tokens:         float64(burstSize),
		lastUpdate:     time.Now(),
		maxTokens:      float64(burstSize),
		refillRate:     refillRate,
		adaptiveFactor: 1.0,
	}
}

func (l *Limiter) getBucket(providerName string) *bucket {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	return l.buckets[providerName]
}

// Acquire blocks, if necessary, until one token is available for the given
// provider, then consumes it. Returns the time spent waiting. A provider
// with no configured bucket is unlimited and returns immediately.
func (l *Limiter) Acquire(providerName string) time.Duration {
	return l.acquireN(providerName, 1.0)
}

func (l *Limiter) acquireN(providerName string, tokens float64) time.Duration {
	b := l.getBucket(providerName)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	now := time.Now()
	available := b.availableTokens(now)
	if available >= tokens {
		b.tokens = available - tokens
		b.lastUpdate = now
		b.mu.Unlock()
		return 0
	}

	needed := tokens - available
	wait := time.Duration(needed / (b.refillRate * b.adaptiveFactor) * float64(time.Second))
	b.mu.Unlock()

	time.Sleep(wait)

	b.mu.Lock()
	b.tokens = 0
	b.lastUpdate = time.Now()
	b.mu.Unlock()

	return wait
}

// TryAcquire attempts to consume one token without blocking. Returns false
// if insufficient tokens are available right now.
func (l *Limiter) TryAcquire(providerName string) bool {
	b := l.getBucket(providerName)
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	available := b.availableTokens(now)
	if available >= 1.0 {
		b.tokens = available - 1.0
		b.lastUpdate = now
		return true
	}
	return false
}

// ReportRateLimit records a 429/quota signal from the provider. It only
// updates the adaptive factor and clears the bucket's tokens; it does not
// itself sleep on retryAfter — the retry engine owns computing and
// applying that delay.
func (l *Limiter) ReportRateLimit(providerName string) {
	b := l.getBucket(providerName)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.adaptiveFactor = b.adaptiveFactor * 0.5
	if b.adaptiveFactor < 0.1 {
		b.adaptiveFactor = 0.1
	}
	b.tokens = 0
	b.lastUpdate = time.Now()
}

// ReportSuccess records a successful request, gradually restoring the
// adaptive factor toward 1.0.
func (l *Limiter) ReportSuccess(providerName string) {
	b := l.getBucket(providerName)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.adaptiveFactor < 1.0 {
		b.adaptiveFactor = b.adaptiveFactor * 1.1
		if b.adaptiveFactor > 1.0 {
			b.adaptiveFactor = 1.0
		}
	}
}

// Status reports the current state of a provider's bucket, for diagnostics.
type Status struct {
	AvailableTokens float64
	MaxTokens       float64
	RefillRate      float64
	AdaptiveFactor  float64
}

// Status returns the bucket's current status, or false if the provider is
// unconfigured.
func (l *Limiter) Status(providerName string) (Status, bool) {
	b := l.getBucket(providerName)
	if b == nil {
		return Status{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		AvailableTokens: b.availableTokens(time.Now()),
		MaxTokens:       b.maxTokens,
		RefillRate:      b.refillRate,
		AdaptiveFactor:  b.adaptiveFactor,
	}, true
}
