// Package throttle composes per-scope token buckets into one allow/deny
// decision for a message-processing service and owns the degradation policy
// around the shared bucket store.
//
// Three scopes are enforced: a per-conversation budget (shared between
// inbound processing and outbound replies), a per-bot global budget, and a
// stricter broadcast budget for bulk sends. The Router derives the store
// keys and aggregates outcomes; the Guard decides whether the limiter runs
// at all and resolves store failures as fail-open or fail-closed; the Gate
// applies the configured consequence (reject, delay, or pass) at the
// request boundary.
package throttle
