package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript performs the whole read-refill-compare-write cycle server
// side so that concurrent callers across the fleet never interleave on one
// bucket. A missing key is an implicitly full bucket. The refilled state is
// persisted even on denial, and every write refreshes the record TTL.
//
// Reply: {allowed 0/1, consumed-from-capacity headroom, retry-after seconds}.
// The numeric fields come back as strings because Redis truncates Lua
// numbers to integers on the wire.
const consumeScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local fields = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(fields[1])
local last = tonumber(fields[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local retry = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
else
  retry = math.ceil((requested - tokens) / rate - 1e-9)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate - 1e-9))
return {allowed, tostring(capacity - tokens), tostring(retry)}
`

// ErrBadReply reports a consume script reply that does not match the
// expected shape. It indicates a version skew between client and script.
var ErrBadReply = errors.New("limiter: malformed consume script reply")

// RedisLimiter is a distributed token-bucket limiter backed by Redis.
//
// State lives in a Redis hash per bucket key ("tokens" and "last_refill"
// fields) and is mutated only by consumeScript, so any number of process
// instances can share one budget safely. Keys expire once a bucket has had
// time to refill completely.
type RedisLimiter struct {
	client   *redis.Client
	script   *redis.Script
	prefix   string
	timeout  time.Duration
	recorder MetricsRecorder
}

// NewRedisLimiter constructs a RedisLimiter, verifies the server is
// reachable and preloads the consume script into the script cache.
func NewRedisLimiter(client *redis.Client, opts ...Option) (*RedisLimiter, error) {
	r := &RedisLimiter{
		client:   client,
		script:   redis.NewScript(consumeScript),
		timeout:  5 * time.Second,
		recorder: &NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("limiter: redis ping: %w", err)
	}
	if err := r.script.Load(ctx, r.client).Err(); err != nil {
		return nil, fmt.Errorf("limiter: load consume script: %w", err)
	}
	return r, nil
}

// Consume atomically refills the bucket at key and takes tokens from it.
// Store errors are returned as errors, never disguised as denials; the
// caller's degradation policy decides what they mean.
func (r *RedisLimiter) Consume(ctx context.Context, key string, limit Limit, tokens float64) (Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := float64(start.UnixMicro()) / 1e6
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		limit.Capacity,     // ARGV[1]
		limit.RefillRate(), // ARGV[2]
		now,                // ARGV[3]
		tokens,             // ARGV[4]
	).Result()

	r.recorder.Add("ratelimit.call", 1, map[string]string{"op": "consume"})
	r.recorder.Observe("ratelimit.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: consume %q: %w", key, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, ErrBadReply
	}
	allowed, _ := values[0].(int64)
	headroom := convertToFloat(values[1])
	retry := convertToFloat(values[2])

	return makeDecision(allowed == 1, headroom, retry, limit, start), nil
}

// Inspect reads the raw bucket fields for key without touching them.
func (r *RedisLimiter) Inspect(ctx context.Context, key string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.client.HMGet(ctx, r.prefix+key, "tokens", "last_refill").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("limiter: inspect %q: %w", key, err)
	}
	if len(fields) != 2 || fields[0] == nil || fields[1] == nil {
		return Snapshot{}, nil
	}
	tokens := convertToFloat(fields[0])
	last := convertToFloat(fields[1])
	return Snapshot{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(int64(last * 1e6)),
		Exists:     true,
	}, nil
}

// Reset deletes the bucket record for key outright. The next consume sees a
// full bucket.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("limiter: reset %q: %w", key, err)
	}
	return nil
}

// Ping probes store liveness with no side effects.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// makeDecision maps the wire triple onto a Decision. ResetAt is derived from
// the consumed headroom: the bucket is full again once that much refills.
func makeDecision(allowed bool, headroom, retrySeconds float64, limit Limit, now time.Time) Decision {
	dec := Decision{Allowed: allowed}
	rate := limit.RefillRate()
	if rate > 0 {
		dec.ResetAt = now.Add(time.Duration(headroom / rate * float64(time.Second)))
	} else {
		dec.ResetAt = now
	}
	if allowed {
		dec.Remaining = int64(math.Floor(headroom + 1e-9))
		return dec
	}
	dec.RetryAfter = time.Duration(retrySeconds) * time.Second
	return dec
}

func convertToFloat(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
