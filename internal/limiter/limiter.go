package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/raakeshmj/entitlements/internal/repository"
	"github.com/redis/go-redis/v9"
)

// luaScript implements a fixed window counter atomically
// KEYS[1] = window key
// ARGV[1] = max requests per window
// ARGV[2] = window length (milliseconds)
// Returns: [allowed (1/0), count]
const luaScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call("GET", key)
if not current then
	redis.call("SET", key, 1, "PX", window)
	return {1, 1}
end

current = tonumber(current)
if current >= max then
	return {0, current}
end

current = redis.call("INCR", key)
return {1, current}
`

// FixedWindowLimiter keeps rate-limit windows in Redis so several processes
// share one count. Windows expire through key TTL, measured on the Redis
// clock, so the caller's timestamp is not used.
type FixedWindowLimiter struct {
	client *redis.Client
	script *redis.Script
	window time.Duration
	prefix string
}

func NewFixedWindowLimiter(client *redis.Client, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		client: client,
		script: redis.NewScript(luaScript),
		window: window,
		prefix: "ratelimit:",
	}
}

func (l *FixedWindowLimiter) key(userID uint, endpoint string) string {
	return l.prefix + strconv.FormatUint(uint64(userID), 10) + ":" + endpoint
}

// PurgeWindows is a no-op: Redis drops stale windows by TTL.
func (l *FixedWindowLimiter) PurgeWindows(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (l *FixedWindowLimiter) Hit(ctx context.Context, userID uint, endpoint string, max int, now time.Time) (bool, int, error) {
	result, err := l.script.Run(ctx, l.client, []string{l.key(userID, endpoint)}, max, l.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}

	resSlice, ok := result.([]interface{})
	if !ok || len(resSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected limiter reply %v", result)
	}
	allowed, _ := resSlice[0].(int64)
	count, _ := resSlice[1].(int64)

	return allowed == 1, int(count), nil
}

var _ repository.RateLimitRepository = (*FixedWindowLimiter)(nil)
