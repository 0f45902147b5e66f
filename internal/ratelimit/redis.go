package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow atomically trims the window, counts it, and admits the
// request when under the limit. Returns 1 when admitted.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, now .. '-' .. ARGV[5])
	redis.call('PEXPIRE', key, ttl)
	return 1
end
return 0
`)

// RedisLimiter is a sliding-window limiter shared by every instance pointed
// at the same Redis.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a limiter admitting cfg.RequestsPerMinute per key per
// minute.
func NewRedis(rdb redis.Scripter, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		prefix: "rl:snd:",
		limit:  cfg.RequestsPerMinute,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow implements Backend.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.rdb, []string{l.prefix + key},
		now, now-l.window.Milliseconds(), l.limit, l.window.Milliseconds(), uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}
