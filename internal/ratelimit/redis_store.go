package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript runs the whole refill-and-take cycle server-side so that
// concurrent orchestrator replicas see one atomic bucket per key.
// KEYS[1] bucket hash, ARGV: rate, burst, now (us), ttl (ms).
var acquireScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = burst
  last = now
end

local elapsed = (now - last) / 1000000
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > burst then
  tokens = burst
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return allowed
`)

// bucketTTL bounds how long an idle bucket key lives in Redis. Any bucket
// idle this long has fully refilled, so expiry cannot admit extra calls.
const bucketTTL = time.Hour

// RedisStore is a BucketStore shared across orchestrator replicas
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed bucket store
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "orchestrator:ratelimit"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Acquire implements BucketStore
func (s *RedisStore) Acquire(ctx context.Context, key string, limit Limit) (bool, error) {
	fullKey := fmt.Sprintf("%s:%s", s.keyPrefix, key)

	allowed, err := acquireScript.Run(ctx, s.client,
		[]string{fullKey},
		limit.Rate,
		limit.Burst,
		time.Now().UnixMicro(),
		bucketTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire: %w", err)
	}

	return allowed == 1, nil
}
