// Package limiter implements the token-bucket engine behind the chat rate
// limiter.
//
// The primary entry point is the Limiter interface:
//
//	dec, err := engine.Consume(ctx, key, limit, 1)
//
// The returned Decision reports whether the request is allowed, the headroom
// consumed from capacity so far, and timing hints (RetryAfter, ResetAt) for
// callers that want to tell users how long to wait.
//
// # Algorithm
//
// Each bucket key holds a balance of tokens that refills over time, up to
// Limit.Capacity, at Capacity-per-Window. A consume call refills the bucket
// proportionally to the time elapsed since the last access and then takes
// the requested tokens if enough are available. Because the balance is
// fractional, sub-second refill accumulates correctly even though
// timestamps are plain seconds.
//
// Denials are not errors: the refilled balance and timestamp are persisted
// even when the request is refused, so waiting out the returned RetryAfter
// is always sufficient for the next single-token request to pass.
//
// # Backends
//
// Two implementations share the Limiter interface:
//
//   - RedisLimiter: the production backend. A Lua script performs the whole
//     read/refill/compare/write cycle server side, which makes it safe for
//     many service instances to share one budget per key. Records carry a
//     TTL equal to the time a bucket needs to refill completely, so idle
//     scopes expire from Redis on their own.
//
//   - MemoryLimiter: a mutex-guarded in-process backend with identical
//     semantics, including expiry, plus a settable clock. It backs unit
//     tests and single-instance deployments.
//
// # Error policy
//
// This package does not impose a fail-open or fail-closed policy. Store
// failures come back as errors, distinct from denials; the throttle
// package's degradation policy decides whether an unreachable store means
// "allow" or "deny".
//
// # Storage details
//
// RedisLimiter stores each bucket as a hash with two fields:
//
//   - "tokens": current balance (float)
//   - "last_refill": last update time as seconds since epoch (float)
//
// Keys are passed through verbatim (plus the optional WithPrefix prefix), so
// the caller controls the fleet-wide key naming scheme.
package limiter
