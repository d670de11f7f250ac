package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig tunes the in-memory limiter. Zero values select defaults.
type MemoryConfig struct {
	// Rate is the sustained allowance in tokens per second, per key.
	Rate float64

	// Burst is the bucket capacity. Zero selects max(1, Rate).
	Burst int

	// IdleEviction is how long a key may go unused before its bucket is
	// dropped, bounding memory across tenant churn. Zero selects 10 minutes.
	IdleEviction time.Duration

	// SweepInterval is how often idle buckets are collected. Zero selects
	// a tenth of IdleEviction.
	SweepInterval time.Duration
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.Burst <= 0 {
		c.Burst = 1
		if c.Rate > 1 {
			c.Burst = int(c.Rate)
		}
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.IdleEviction / 10
	}
	return c
}

// tokenBucket tracks the remaining allowance for one key. Refill is lazy:
// tokens accrue on access based on the time since the last take.
type tokenBucket struct {
	remaining  float64
	refilledAt time.Time
}

func (b *tokenBucket) take(now time.Time, rate, burst float64) bool {
	b.remaining += now.Sub(b.refilledAt).Seconds() * rate
	if b.remaining > burst {
		b.remaining = burst
	}
	b.refilledAt = now

	if b.remaining < 1 {
		return false
	}
	b.remaining--
	return true
}

// MemoryLimiter implements Limiter with one token bucket per key. Keys are
// whatever the caller constructs — the execute path uses "execute:<tenant_id>"
// so each tenant draws from an independent allowance. A background sweep
// drops buckets idle past the configured eviction window.
type MemoryLimiter struct {
	cfg MemoryConfig

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter and starts its sweep
// goroutine. Call Close to stop it.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available (request should proceed), false otherwise (rate limited).
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		m.buckets[key] = &tokenBucket{
			remaining:  float64(m.cfg.Burst) - 1,
			refilledAt: now,
		}
		return true, nil
	}
	return b.take(now, m.cfg.Rate, float64(m.cfg.Burst)), nil
}

// Size returns the number of tracked keys.
func (m *MemoryLimiter) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.IdleEviction)
	for key, b := range m.buckets {
		if b.refilledAt.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
