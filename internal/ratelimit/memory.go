package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kansa/internal/clock"
)

const (
	staleThreshold = 10 * time.Minute
	sweepInterval  = time.Minute
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// Each key gets an independent bucket refilled at rate tokens per second up
// to burst. Buckets idle for longer than ten minutes are evicted by a sweep
// scheduled on the limiter's clock.
type MemoryLimiter struct {
	rate  float64
	burst float64
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	sweep   clock.Timer
	closed  bool
}

// NewMemoryLimiter creates a token bucket limiter. A nil clock uses wall time.
// Call Close to stop the eviction sweep.
func NewMemoryLimiter(rate float64, burst int, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
	m.mu.Lock()
	m.scheduleSweep()
	m.mu.Unlock()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return m.burst >= 1, nil
	}

	b.tokens += now.Sub(b.lastAccess).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter is how long a denied caller must wait for one token.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.rate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / m.rate)
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the eviction sweep. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.sweep != nil {
		m.sweep.Stop()
	}
	return nil
}

// scheduleSweep must be called with mu held.
func (m *MemoryLimiter) scheduleSweep() {
	if m.closed {
		return
	}
	m.sweep = m.clock.AfterFunc(sweepInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.evictStaleLocked()
		m.scheduleSweep()
	})
}

func (m *MemoryLimiter) evictStaleLocked() {
	cutoff := m.clock.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
