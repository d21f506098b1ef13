package limiter

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// MemoryLimiter is an in-process token-bucket limiter with the same
// semantics as RedisLimiter, including record expiry.
//
// It is safe for concurrent use by multiple goroutines, but its state is
// local to the process and is not shared across replicas. Use RedisLimiter
// when you need a single global budget; use MemoryLimiter in tests and
// single-instance deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter with empty state.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// SetNow replaces the clock. Tests use this to simulate elapsed time
// without sleeping.
func (m *MemoryLimiter) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Consume refills the bucket at key and takes tokens from it, as one
// critical section. An absent or expired record is a full bucket.
func (m *MemoryLimiter) Consume(ctx context.Context, key string, limit Limit, tokens float64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.live(key, now)
	if st == nil {
		st = &bucket{tokens: float64(limit.Capacity), lastRefill: now}
		m.buckets[key] = st
	} else {
		elapsed := now.Sub(st.lastRefill)
		if elapsed < 0 {
			elapsed = 0
		}
		st.tokens += elapsed.Seconds() * limit.RefillRate()
		if st.tokens > float64(limit.Capacity) {
			st.tokens = float64(limit.Capacity)
		}
	}

	allowed := st.tokens >= tokens
	retry := 0.0
	if allowed {
		st.tokens -= tokens
	} else if rate := limit.RefillRate(); rate > 0 {
		retry = math.Ceil((tokens-st.tokens)/rate - 1e-9)
	}

	// Refill is never lost: the recomputed balance and timestamp are kept
	// even on denial, and the record lease is renewed.
	st.lastRefill = now
	st.expiresAt = now.Add(limit.TTL())

	headroom := float64(limit.Capacity) - st.tokens
	return makeDecision(allowed, headroom, retry, limit, now), nil
}

// Inspect reads the raw bucket fields for key without touching them.
func (m *MemoryLimiter) Inspect(ctx context.Context, key string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.live(key, m.now())
	if st == nil {
		return Snapshot{}, nil
	}
	return Snapshot{Tokens: st.tokens, LastRefill: st.lastRefill, Exists: true}, nil
}

// Reset deletes the bucket record for key.
func (m *MemoryLimiter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
	return nil
}

// Ping always succeeds: process-local state has no liveness to probe.
func (m *MemoryLimiter) Ping(ctx context.Context) error {
	return ctx.Err()
}

// live returns the record at key, dropping it first if its lease has
// lapsed. Callers must hold m.mu.
func (m *MemoryLimiter) live(key string, now time.Time) *bucket {
	st, ok := m.buckets[key]
	if !ok {
		return nil
	}
	if !st.expiresAt.IsZero() && !now.Before(st.expiresAt) {
		delete(m.buckets, key)
		return nil
	}
	return st
}
