package throttle

import (
	"fmt"
	"time"
)

// Kind classifies an aggregated rate-limit decision. Rate-limit denials and
// store outages are distinct kinds so callers and tests never confuse them.
type Kind int

const (
	// KindAllowed means every evaluated scope had budget.
	KindAllowed Kind = iota
	// KindBypassed means no scope was evaluated at all: the limiter is
	// disabled, the request carries no conversation context, or a store
	// failure was resolved as fail-open.
	KindBypassed
	// KindRateLimited is a normal denial by at least one scope.
	KindRateLimited
	// KindUnavailable is a store failure resolved as fail-closed.
	KindUnavailable
)

// Verdict is the aggregated decision across all scopes evaluated for one
// request: allowed only if every scope allowed, with the longest retry hint
// and the identity of the scope that imposed it.
type Verdict struct {
	Kind Kind
	// Scope is the denying scope when Kind is KindRateLimited.
	Scope Scope
	// Remaining is the largest consumed-from-capacity headroom among the
	// allowing scopes, i.e. how close the request came to a limit.
	Remaining int64
	// RetryAfter is the maximum retry hint among denying scopes.
	RetryAfter time.Duration
}

// Allowed reports whether the request may proceed.
func (v Verdict) Allowed() bool {
	return v.Kind == KindAllowed || v.Kind == KindBypassed
}

// Message renders the user-facing indication for a denial. It is empty for
// allowed verdicts.
func (v Verdict) Message() string {
	switch v.Kind {
	case KindRateLimited:
		if v.RetryAfter > 0 {
			return fmt.Sprintf("rate limit exceeded, retry in %d seconds", int64(v.RetryAfter/time.Second))
		}
		return "rate limit exceeded"
	case KindUnavailable:
		return "service temporarily unavailable, please try again later"
	default:
		return ""
	}
}
