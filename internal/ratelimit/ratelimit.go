// Package ratelimit provides sliding-window abuse control keyed by source
// address. The default implementation is in-memory; a Redis-backed variant is
// available for deployments that already run Redis.
package ratelimit

import "context"

// Limiter decides whether an event from the given source key is allowed under
// the configured window. A denial has no side effects: the denied event is
// not recorded.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	Close() error
}
