// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one TryAcquire call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterMs is the wait before the window resets, in whole milliseconds (at least 1 on denial).
func (d Decision) RetryAfterMs() int64 {
	if d.Allowed {
		return 0
	}
	ms := d.RetryAfter.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Limiter grants at most Max sends per (session, tenant) in each fixed window.
// TryAcquire never blocks waiting for capacity.
type Limiter interface {
	TryAcquire(ctx context.Context, sessionID, tenantID string) (Decision, error)
}

type Config struct {
	Max    int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

func key(sessionID, tenantID string) string {
	return "ratelimit:" + tenantID + ":" + sessionID
}
