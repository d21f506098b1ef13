package throttle

import "context"

type verdictKey struct{}

// ContextWithVerdict attaches the aggregated decision to ctx so downstream
// handlers can inspect what the gate decided.
func ContextWithVerdict(ctx context.Context, v Verdict) context.Context {
	return context.WithValue(ctx, verdictKey{}, v)
}

// VerdictFromContext returns the decision attached by the gate, if any.
func VerdictFromContext(ctx context.Context) (Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(Verdict)
	return v, ok
}
