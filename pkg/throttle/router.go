package throttle

import (
	"context"
	"fmt"

	"github.com/relaymsg/chat-limiter/pkg/limiter"
)

// Request is the addressing context of one inbound message or outbound
// call: which conversation it belongs to and which bot handles it.
type Request struct {
	ConversationID string
	BotID          string
}

// Router maps a request to the scopes it must pass, consumes one token from
// each, and aggregates the outcomes into a single Verdict. It never
// interprets store errors; those bubble up to the degradation policy.
type Router struct {
	engine limiter.Limiter
	scopes ScopeSet
}

// NewRouter constructs a Router over the given engine and scope budgets.
func NewRouter(engine limiter.Limiter, scopes ScopeSet) *Router {
	return &Router{engine: engine, scopes: scopes}
}

// CheckInbound gates one inbound message against the per-chat and global
// budgets. A request without a conversation identifier is a context-free
// event and bypasses evaluation entirely, touching no bucket.
func (r *Router) CheckInbound(ctx context.Context, req Request) (Verdict, error) {
	if req.ConversationID == "" {
		return Verdict{Kind: KindBypassed}, nil
	}
	return r.evaluate(ctx, req, r.scopes.Chat, r.scopes.Global)
}

// CheckOutbound gates one outbound send against the per-chat budget. It
// draws from the same bucket as CheckInbound, so a conversation's replies
// and its inbound processing share one budget.
func (r *Router) CheckOutbound(ctx context.Context, req Request) (Verdict, error) {
	if req.ConversationID == "" {
		return Verdict{Kind: KindBypassed}, nil
	}
	return r.evaluate(ctx, req, r.scopes.Chat)
}

// CheckBroadcast gates one bulk-send operation against the broadcast
// budget. Broadcast is evaluated only on demand, never as part of the
// normal inbound/outbound checks.
func (r *Router) CheckBroadcast(ctx context.Context, req Request) (Verdict, error) {
	return r.evaluate(ctx, req, r.scopes.Broadcast)
}

// evaluate consumes one token from every listed scope and combines the
// outcomes: allowed iff all allow, RetryAfter is the max across denying
// scopes, and the scope imposing that max is retained for diagnostics.
// Every scope is evaluated even after a denial so refill bookkeeping is
// never skipped.
func (r *Router) evaluate(ctx context.Context, req Request, scopes ...ScopeConfig) (Verdict, error) {
	v := Verdict{Kind: KindAllowed}
	denied := false
	for _, sc := range scopes {
		dec, err := r.engine.Consume(ctx, sc.Scope.Key(req.ConversationID, req.BotID), sc.Limit, 1)
		if err != nil {
			return Verdict{}, fmt.Errorf("throttle: scope %s: %w", sc.Scope, err)
		}
		if dec.Allowed {
			if dec.Remaining > v.Remaining {
				v.Remaining = dec.Remaining
			}
			continue
		}
		if !denied || dec.RetryAfter > v.RetryAfter {
			v.Scope = sc.Scope
			v.RetryAfter = dec.RetryAfter
		}
		denied = true
	}
	if denied {
		v.Kind = KindRateLimited
		v.Remaining = 0
	}
	return v, nil
}
