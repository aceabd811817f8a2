package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const redisTimeout = 2 * time.Second

// Limiter decides whether a keyed action is within quota.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// FixedWindowLimiter counts actions per key in fixed windows stored in Redis,
// so every service instance shares the same quota.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewFixedWindowLimiter builds a limiter on an existing Redis client.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "poker:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Allow returns true when key is within quota.
// Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}

// AllowAll is a Limiter that never throttles; used when Redis is not configured.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) bool { return true }
