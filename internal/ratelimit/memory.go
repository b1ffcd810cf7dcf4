// internal/ratelimit/memory.go
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	// dead is set when Prune drops the window from the map.
	dead bool
}

// MemoryLimiter keeps windows in process memory. Each key has its own lock
// so that sessions do not contend with each other.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) TryAcquire(ctx context.Context, sessionID, tenantID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	k := key(sessionID, tenantID)
	w := l.window(k)

	w.mu.Lock()
	for w.dead {
		w.mu.Unlock()
		w = l.window(k)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	now := l.now()
	if w.start.IsZero() || !now.Before(w.start.Add(l.cfg.Window)) {
		w.start = now
		w.count = 0
	}
	if w.count < l.cfg.Max {
		w.count++
		return Decision{Allowed: true}, nil
	}
	retry := w.start.Add(l.cfg.Window).Sub(now)
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (l *MemoryLimiter) window(k string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[k]
	if !ok {
		w = &window{}
		l.windows[k] = w
	}
	return w
}

// Prune drops windows that closed before now and returns how many were removed.
func (l *MemoryLimiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, w := range l.windows {
		w.mu.Lock()
		if !now.Before(w.start.Add(l.cfg.Window)) {
			w.dead = true
			delete(l.windows, k)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// RunPruner prunes every interval until ctx is done.
func (l *MemoryLimiter) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
