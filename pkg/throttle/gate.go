package throttle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited is returned by the gate when a request is refused because
// a scope ran out of budget.
var ErrRateLimited = errors.New("throttle: rate limited")

// ErrUnavailable is returned by the gate when the store is down and the
// deployment is configured to fail closed. It is never ErrRateLimited.
var ErrUnavailable = errors.New("throttle: limiter unavailable")

// Message is the unit of work the gated service processes: one chat message
// bound to a conversation.
type Message struct {
	ConversationID string
	BotID          string
	Text           string
}

func (m Message) request() Request {
	return Request{ConversationID: m.ConversationID, BotID: m.BotID}
}

// MessageHandler processes one inbound message.
type MessageHandler func(ctx context.Context, msg Message) error

// Sender is the message-transport client the outbound gate wraps. The
// transport's own API-level throttling is its own concern; this gate only
// enforces the shared conversational budget before the call leaves.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Gate applies aggregated decisions to requests: it consults the Guard,
// attaches the verdict to the context, and enforces the configured
// consequence (reject, delay, or pass).
type Gate struct {
	guard *Guard
	log   *zap.Logger
}

// NewGate constructs a Gate over the given guard.
func NewGate(guard *Guard, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{guard: guard, log: log}
}

// Handle wraps an inbound message handler. Denied requests never reach
// next; the returned error wraps ErrRateLimited or ErrUnavailable with a
// human-readable indication of what happened and how long to wait.
func (t *Gate) Handle(next MessageHandler) MessageHandler {
	return func(ctx context.Context, msg Message) error {
		v, err := t.guard.CheckInbound(ctx, msg.request())
		if err != nil {
			return err
		}
		ctx = ContextWithVerdict(ctx, v)
		ok, err := t.applyConsequence(ctx, v)
		if err != nil {
			return err
		}
		if !ok {
			return denialError(v)
		}
		return next(ctx, msg)
	}
}

// Send gates one outbound message before it reaches the transport.
func (t *Gate) Send(ctx context.Context, sender Sender, msg Message) error {
	v, err := t.guard.CheckOutbound(ctx, msg.request())
	if err != nil {
		return err
	}
	ctx = ContextWithVerdict(ctx, v)
	ok, err := t.applyConsequence(ctx, v)
	if err != nil {
		return err
	}
	if !ok {
		return denialError(v)
	}
	return sender.Send(ctx, msg)
}

// Broadcast gates one bulk send against the broadcast budget.
func (t *Gate) Broadcast(ctx context.Context, sender Sender, msg Message) error {
	v, err := t.guard.CheckBroadcast(ctx, msg.request())
	if err != nil {
		return err
	}
	ctx = ContextWithVerdict(ctx, v)
	ok, err := t.applyConsequence(ctx, v)
	if err != nil {
		return err
	}
	if !ok {
		return denialError(v)
	}
	return sender.Send(ctx, msg)
}

// Middleware gates webhook-style HTTP ingestion. The conversation and bot
// identifiers travel in the X-Conversation-ID and X-Bot-ID headers. Denied
// requests get 429 with Retry-After, fail-closed outages get 503.
func (t *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := Request{
			ConversationID: r.Header.Get("X-Conversation-ID"),
			BotID:          r.Header.Get("X-Bot-ID"),
		}
		v, err := t.guard.CheckInbound(r.Context(), req)
		if err != nil {
			t.log.Error("rate limiter initialization failed", zap.Error(err))
			http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
			return
		}
		ctx := ContextWithVerdict(r.Context(), v)
		ok, err := t.applyConsequence(ctx, v)
		if err != nil {
			// The client went away while we were pausing.
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		}
		if !ok {
			if v.Kind == KindUnavailable {
				http.Error(w, v.Message(), http.StatusServiceUnavailable)
				return
			}
			if v.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(v.RetryAfter/time.Second), 10))
			}
			http.Error(w, v.Message(), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// applyConsequence turns a verdict into forward progress. Under the delay
// policy a denied request pauses for min(RetryAfter, QueueTimeout) and then
// proceeds regardless: the pause is best-effort backpressure, not a
// guarantee that tokens replenished. The pause honors ctx cancellation.
func (t *Gate) applyConsequence(ctx context.Context, v Verdict) (bool, error) {
	switch v.Kind {
	case KindAllowed, KindBypassed:
		return true, nil
	case KindUnavailable:
		return false, nil
	}

	switch t.guard.cfg.OnLimit {
	case OnLimitDelay, OnLimitQueue:
		wait := v.RetryAfter
		if qt := t.guard.cfg.QueueTimeout; qt > 0 && wait > qt {
			wait = qt
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return true, nil
		}
	default:
		return false, nil
	}
}

func denialError(v Verdict) error {
	if v.Kind == KindUnavailable {
		return fmt.Errorf("%w: %s", ErrUnavailable, v.Message())
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, v.Message())
}
