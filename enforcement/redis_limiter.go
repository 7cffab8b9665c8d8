package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/agentkernel/kerrors"
)

// refillScript atomically refills and deducts from a Redis-hash-backed
// token bucket in one round trip, so concurrent callers across processes
// never race on a read-modify-write.
const refillScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then tokens = capacity end
if ts == nil then ts = now_ms end
local delta = now_ms - ts
if delta < 0 then delta = 0 end
local refill = (delta / 1000.0) * rate
tokens = math.min(capacity, tokens + refill)
local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, ttl_ms)
return allowed
`

// redisLimiter is the distributed counterpart of tokenBucket: state lives
// in Redis so every process sharing a key enforces against the same
// bucket instead of one per process.
type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttlMs  int64
}

func newRedisLimiter(url, prefix string, ttl time.Duration) (*redisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidInput, "parse rate_redis_url", err)
	}
	return &redisLimiter{
		client: redis.NewClient(opts),
		script: redis.NewScript(refillScript),
		prefix: prefix,
		ttlMs:  ttl.Milliseconds(),
	}, nil
}

// tryTake runs the refill script against capacity/rate_per_sec and
// reports whether one token (the enforcement gateway's fixed request
// cost) was available and deducted.
func (r *redisLimiter) tryTake(ctx context.Context, key string, capacity, ratePerSec float64) (bool, error) {
	k := fmt.Sprintf("%s%s", r.prefix, key)
	nowMs := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.client, []string{k}, capacity, ratePerSec, nowMs, 1, r.ttlMs).Int()
	if err != nil {
		return false, kerrors.Wrap(kerrors.Transient, "redis rate limiter", err)
	}
	return res == 1, nil
}

func (r *redisLimiter) Close() error {
	return r.client.Close()
}
