package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// Lua script for an atomic multi-scope sliding window check.
// KEYS: one sorted set per scope. ARGV[1]=now (ms), ARGV[2]=member,
// ARGV[3]=retention (ms), then (ceiling, window ms) per key.
// All scopes are checked BEFORE any grant is recorded.
const slidingWindowLuaScript = `
local now = tonumber(ARGV[1])
local member = ARGV[2]
local retention = tonumber(ARGV[3])

for i = 1, #KEYS do
    local ceiling = tonumber(ARGV[2 + i * 2])
    local window = tonumber(ARGV[3 + i * 2])
    local keep = retention
    if window > keep then
        keep = window
    end
    redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", now - keep)
    local current = redis.call("ZCOUNT", KEYS[i], "(" .. (now - window), "+inf")
    if ceiling <= 0 or current >= ceiling then
        return {0, i}  -- denied, index of the scope that refused
    end
end

for i = 1, #KEYS do
    local window = tonumber(ARGV[3 + i * 2])
    local keep = retention
    if window > keep then
        keep = window
    end
    redis.call("ZADD", KEYS[i], now, member)
    redis.call("PEXPIRE", KEYS[i], keep)
end

return {1, 0}
`

// Redis shares sliding windows across orchestrator instances. Each scope is
// a sorted set of grant timestamps.
type Redis struct {
	client    *redis.Client
	clock     clock.Clock
	prefix    string
	retention time.Duration
	script    *redis.Script
}

// NewRedis creates a Redis-backed limiter. retention bounds how long grants
// are kept when callers use different windows for the same scope.
func NewRedis(client *redis.Client, c clock.Clock, retention time.Duration) *Redis {
	return &Redis{
		client:    client,
		clock:     clock.OrReal(c),
		prefix:    "accountforge:ratelimit:",
		retention: retention,
		script:    redis.NewScript(slidingWindowLuaScript),
	}
}

// Acquire implements Limiter.
func (l *Redis) Acquire(ctx context.Context, reqs ...Request) (bool, error) {
	if len(reqs) == 0 {
		return true, nil
	}

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	keys := make([]string, len(reqs))
	args := make([]interface{}, 0, 3+2*len(reqs))
	args = append(args, l.clock.Now().UnixMilli(), uuid.NewString(), l.retention.Milliseconds())
	for i, r := range reqs {
		keys[i] = l.prefix + r.Key
		args = append(args, r.Ceiling, r.Window.Milliseconds())
	}

	res, err := l.script.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("ratelimit: sliding window script: %w", err)
	}
	if len(res) < 1 {
		return false, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return res[0] == 1, nil
}

// TryAcquire is the single-scope form of Acquire.
func (l *Redis) TryAcquire(ctx context.Context, key string, ceiling int, window time.Duration) (bool, error) {
	return l.Acquire(ctx, Request{Key: key, Ceiling: ceiling, Window: window})
}
