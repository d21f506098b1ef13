package limiter

import (
	"context"
	"math"
	"time"
)

// Limit defines the token-bucket policy for one scope: the bucket holds at
// most Capacity tokens and earns Capacity tokens per Window.
type Limit struct {
	Capacity int64
	Window   time.Duration
}

// RefillRate returns tokens restored per second.
func (l Limit) RefillRate() float64 {
	if l.Window <= 0 {
		return float64(l.Capacity)
	}
	return float64(l.Capacity) / l.Window.Seconds()
}

// TTL returns how long a bucket record stays meaningful: the time to refill
// from empty back to full. A record older than this is indistinguishable
// from a full bucket, so the store may drop it.
func (l Limit) TTL() time.Duration {
	rate := l.RefillRate()
	if rate <= 0 {
		return time.Second
	}
	// The epsilon keeps exact quotients (capacity/rate == window) from
	// drifting over the next whole second in float arithmetic.
	secs := math.Ceil(float64(l.Capacity)/rate - 1e-9)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Decision is the outcome of one Consume call.
//
// Remaining follows the wire convention shared across the fleet: it is the
// headroom consumed from capacity so far (capacity minus tokens left), not
// the tokens left. It is 0 on denial. RetryAfter is 0 when allowed; when
// denied it is the whole-second wait until the requested tokens exist.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Snapshot is a raw, side-effect-free read of one bucket record.
type Snapshot struct {
	Tokens     float64
	LastRefill time.Time
	Exists     bool
}

// Limiter is the capability set every bucket store must provide: an atomic
// consume, a raw field read, a delete, and a liveness probe.
//
// Consume must execute the read-refill-compare-write cycle as a single
// indivisible operation against the store; a read-then-write from the client
// would let two concurrent callers both win the last token.
type Limiter interface {
	Consume(ctx context.Context, key string, limit Limit, tokens float64) (Decision, error)
	Inspect(ctx context.Context, key string) (Snapshot, error)
	Reset(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
