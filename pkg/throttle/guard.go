package throttle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaymsg/chat-limiter/pkg/limiter"
)

// OnError selects how a store failure during an active check is resolved.
type OnError string

const (
	// OnErrorAllow fails open: the request proceeds with no side effects.
	OnErrorAllow OnError = "allow"
	// OnErrorReject fails closed: the request is refused with a
	// service-unavailable indication, distinct from a rate-limit denial.
	OnErrorReject OnError = "reject"
)

// OnLimit selects the consequence applied to a normal rate-limit denial.
type OnLimit string

const (
	OnLimitReject OnLimit = "reject"
	OnLimitDelay  OnLimit = "delay"
	// OnLimitQueue is declared for configuration compatibility but has no
	// queue behind it; it behaves like OnLimitDelay.
	OnLimitQueue OnLimit = "queue"
)

// Config is the static per-deployment policy of a Guard.
type Config struct {
	// Enabled turns the limiter on. When false every check short-circuits
	// to allowed and no store connection is ever made.
	Enabled bool

	// RedisAddr etc. shape the lazily created store connection.
	RedisAddr        string
	RedisTimeout     time.Duration
	RedisMaxRetries  int
	RedisIdleTimeout time.Duration

	// RequireStore makes an unreachable store fatal at first use instead
	// of silently disabling the limiter.
	RequireStore bool

	Scopes       ScopeSet
	OnLimit      OnLimit
	OnStoreError OnError

	// QueueTimeout bounds the pause applied under OnLimitDelay.
	QueueTimeout time.Duration

	// Recorder, when set, receives store call metrics.
	Recorder limiter.MetricsRecorder
}

// Guard states. Uninitialized guards lazily connect on first use and land
// in either Active or Disabled.
const (
	stateUninitialized int32 = iota
	stateActive
	stateDisabled
)

// Guard owns the limiter lifecycle: lazy one-shot initialization, the
// enabled/disabled switch, and the classification of store failures into
// fail-open or fail-closed verdicts. The Engine and Router below it never
// recover errors themselves.
//
// A Guard is safe for concurrent use; the store connection it creates is a
// process-wide singleton shared by every in-flight check.
type Guard struct {
	cfg Config
	log *zap.Logger

	once    sync.Once
	initErr error
	state   atomic.Int32

	router *Router
	engine limiter.Limiter
	closer io.Closer

	// connect builds the store-backed engine. Swapped in tests.
	connect func() (limiter.Limiter, io.Closer, error)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithEngine bypasses the Redis connection and runs the Guard over the
// given engine. Used by tests and by embedders that manage their own store.
func WithEngine(l limiter.Limiter) GuardOption {
	return func(g *Guard) {
		g.engine = l
	}
}

// NewGuard constructs a Guard. No store I/O happens until the first check.
func NewGuard(cfg Config, log *zap.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.OnLimit == "" {
		cfg.OnLimit = OnLimitReject
	}
	if cfg.OnStoreError == "" {
		cfg.OnStoreError = OnErrorAllow
	}
	if cfg.RedisTimeout <= 0 {
		cfg.RedisTimeout = 5 * time.Second
	}
	if cfg.Scopes == (ScopeSet{}) {
		cfg.Scopes = DefaultScopes()
	}

	g := &Guard{cfg: cfg, log: log}
	g.connect = g.dialRedis
	for _, opt := range opts {
		opt(g)
	}
	if !cfg.Enabled {
		g.state.Store(stateDisabled)
	}
	return g
}

func (g *Guard) dialRedis() (limiter.Limiter, io.Closer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            g.cfg.RedisAddr,
		DialTimeout:     g.cfg.RedisTimeout,
		ReadTimeout:     g.cfg.RedisTimeout,
		WriteTimeout:    g.cfg.RedisTimeout,
		MaxRetries:      g.cfg.RedisMaxRetries,
		ConnMaxIdleTime: g.cfg.RedisIdleTimeout,
	})
	opts := []limiter.Option{limiter.WithTimeout(g.cfg.RedisTimeout)}
	if g.cfg.Recorder != nil {
		opts = append(opts, limiter.WithRecorder(g.cfg.Recorder))
	}
	eng, err := limiter.NewRedisLimiter(client, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return eng, client, nil
}

// init performs the one-shot lazy setup: connect, probe, and transition to
// Active, or to Disabled when the store is unreachable and not required.
// Concurrent first callers are serialized by the once guard.
func (g *Guard) init() error {
	g.once.Do(func() {
		if g.state.Load() == stateDisabled {
			return
		}
		if g.engine == nil {
			eng, closer, err := g.connect()
			if err != nil {
				if g.cfg.RequireStore {
					g.initErr = fmt.Errorf("throttle: rate limit store required but unreachable: %w", err)
					g.state.Store(stateDisabled)
					return
				}
				g.log.Warn("rate limit store unreachable, running with limiter disabled",
					zap.String("addr", g.cfg.RedisAddr),
					zap.Error(err))
				g.state.Store(stateDisabled)
				return
			}
			g.engine = eng
			g.closer = closer
		}
		g.router = NewRouter(g.engine, g.cfg.Scopes)
		g.state.Store(stateActive)
	})
	return g.initErr
}

// CheckInbound evaluates one inbound message per the inbound scope set.
// The returned error is non-nil only for the fatal required-store case;
// operational store failures are already resolved into the Verdict.
func (g *Guard) CheckInbound(ctx context.Context, req Request) (Verdict, error) {
	return g.check(ctx, req, (*Router).CheckInbound)
}

// CheckOutbound evaluates one outbound send against the shared per-chat
// budget.
func (g *Guard) CheckOutbound(ctx context.Context, req Request) (Verdict, error) {
	return g.check(ctx, req, (*Router).CheckOutbound)
}

// CheckBroadcast evaluates one bulk-send operation.
func (g *Guard) CheckBroadcast(ctx context.Context, req Request) (Verdict, error) {
	return g.check(ctx, req, (*Router).CheckBroadcast)
}

func (g *Guard) check(ctx context.Context, req Request, eval func(*Router, context.Context, Request) (Verdict, error)) (Verdict, error) {
	if err := g.init(); err != nil {
		return Verdict{}, err
	}
	if g.state.Load() != stateActive {
		return Verdict{Kind: KindBypassed}, nil
	}
	v, err := eval(g.router, ctx, req)
	if err != nil {
		return g.resolveStoreError(err), nil
	}
	if v.Kind == KindRateLimited {
		g.log.Debug("rate limit denial",
			zap.String("scope", string(v.Scope)),
			zap.String("conversation", req.ConversationID),
			zap.Duration("retry_after", v.RetryAfter))
	}
	return v, nil
}

// resolveStoreError classifies a store operation failure per the configured
// policy. This is the only place engine errors are interpreted.
func (g *Guard) resolveStoreError(err error) Verdict {
	if g.cfg.OnStoreError == OnErrorReject {
		g.log.Warn("rate limit store failure, rejecting request", zap.Error(err))
		return Verdict{Kind: KindUnavailable}
	}
	g.log.Warn("rate limit store failure, allowing request", zap.Error(err))
	return Verdict{Kind: KindBypassed}
}

// ScopeStats is a raw view of one scope's bucket for diagnostics.
type ScopeStats struct {
	Key        string
	Tokens     float64
	LastRefill time.Time
	Exists     bool
}

// StatsReport carries per-scope bucket state, or a disabled marker when the
// limiter is off or the store errored.
type StatsReport struct {
	Disabled bool
	Scopes   map[Scope]ScopeStats
}

// Stats reads the current bucket state for every scope addressed by req.
// The per-chat scope is included only when req names a conversation.
func (g *Guard) Stats(ctx context.Context, req Request) (StatsReport, error) {
	if err := g.init(); err != nil {
		return StatsReport{}, err
	}
	if g.state.Load() != stateActive {
		return StatsReport{Disabled: true}, nil
	}

	scopes := []ScopeConfig{g.cfg.Scopes.Global, g.cfg.Scopes.Broadcast}
	if req.ConversationID != "" {
		scopes = append(scopes, g.cfg.Scopes.Chat)
	}

	report := StatsReport{Scopes: make(map[Scope]ScopeStats, len(scopes))}
	for _, sc := range scopes {
		key := sc.Scope.Key(req.ConversationID, req.BotID)
		snap, err := g.engine.Inspect(ctx, key)
		if err != nil {
			g.log.Warn("rate limit stats read failed", zap.String("key", key), zap.Error(err))
			return StatsReport{Disabled: true}, nil
		}
		report.Scopes[sc.Scope] = ScopeStats{
			Key:        key,
			Tokens:     snap.Tokens,
			LastRefill: snap.LastRefill,
			Exists:     snap.Exists,
		}
	}
	return report, nil
}

// Reset deletes one scope's bucket record outright. The next consume sees a
// full bucket.
func (g *Guard) Reset(ctx context.Context, scope Scope, req Request) error {
	if err := g.init(); err != nil {
		return err
	}
	if g.state.Load() != stateActive {
		return nil
	}
	return g.engine.Reset(ctx, scope.Key(req.ConversationID, req.BotID))
}

// Close disables the guard and releases the store connection. It is safe
// while checks are in flight: they either complete against the still-open
// connection or fail cleanly and resolve per the error policy.
func (g *Guard) Close() error {
	g.state.Store(stateDisabled)
	if g.closer != nil {
		return g.closer.Close()
	}
	return nil
}
