package limiter

import "time"

// Option configures a RedisLimiter.
type Option func(*RedisLimiter)

// WithPrefix prepends p to every bucket key before it reaches Redis.
// The default is no prefix: callers pass fully qualified keys.
func WithPrefix(p string) Option {
	return func(r *RedisLimiter) {
		r.prefix = p
	}
}

// WithTimeout bounds every Redis operation, including the liveness probe
// run by NewRedisLimiter. The default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(r *RedisLimiter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorder injects a metrics backend. The default recorder discards
// everything.
func WithRecorder(rec MetricsRecorder) Option {
	return func(r *RedisLimiter) {
		if rec != nil {
			r.recorder = rec
		}
	}
}
