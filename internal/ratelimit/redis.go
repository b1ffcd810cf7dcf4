// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript increments the window counter, starts the expiry on the first
// hit and returns {count, pttl} in one round trip.
var acquireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares windows between processes through Redis.
type RedisLimiter struct {
	rdb redis.Scripter
	cfg Config
}

func NewRedisLimiter(rdb redis.Scripter, cfg Config) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg.withDefaults()}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, sessionID, tenantID string) (Decision, error) {
	res, err := acquireScript.Run(ctx, l.rdb, []string{key(sessionID, tenantID)}, l.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit acquire: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit acquire: unexpected reply %v", res)
	}
	count, ttl := res[0], res[1]
	if count <= int64(l.cfg.Max) {
		return Decision{Allowed: true}, nil
	}
	retry := time.Duration(ttl) * time.Millisecond
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
