package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pixelproxy:ratelimit"

// refillScript keeps a fractional token level and the time it was last
// written. Denied checks leave the bucket untouched.
var refillScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "level", "at")
local level = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms
if now_ms > at then
  level = math.min(capacity, level + (now_ms - at) * capacity / window_ms)
end

if level < 1 then
  return {0, 0, math.ceil((1 - level) * window_ms / capacity)}
end

level = level - 1
redis.call("HSET", KEYS[1], "level", level, "at", now_ms)
redis.call("PEXPIRE", KEYS[1], 2 * window_ms)
return {1, math.floor(level), 0}
`)

// RedisTokenBucket shares buckets across API replicas.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	policies  Policies
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, policies Policies, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := policies.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:    client,
		policies:  policies,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) redisKey(key Key) string {
	return l.keyPrefix + ":" + key.String()
}

func (l *RedisTokenBucket) Allow(ctx context.Context, key Key) (Decision, error) {
	policy := l.policies.For(key.Scope)
	windowMS := max(1, policy.Window.Milliseconds())

	reply, err := refillScript.Run(ctx, l.client,
		[]string{l.redisKey(key)},
		policy.Capacity, windowMS, l.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
