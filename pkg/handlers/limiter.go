package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterStore abstracts the bucket storage used to throttle connector
// fetches per rate key.
type LimiterStore interface {
	// Allow reports whether one fetch for key may proceed.
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiterStore keeps token buckets in process memory.
type LocalLimiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

// NewLocalLimiterStore creates a store allowing perSecond fetches per key
// with the given burst.
func NewLocalLimiterStore(perSecond float64, burst int) *LocalLimiterStore {
	return &LocalLimiterStore{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (s *LocalLimiterStore) Allow(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(s.perSecond, s.burst)
		s.buckets[key] = limiter
	}
	return limiter.Allow(), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple engine processes share one budget per rate key.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore implements LimiterStore on Redis for multi-process
// deployments.
type RedisLimiterStore struct {
	client    *redis.Client
	perSecond float64
	burst     int
}

// NewRedisLimiterStore connects to Redis at addr.
func NewRedisLimiterStore(addr, password string, db int, perSecond float64, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		perSecond: perSecond,
		burst:     burst,
	}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, key string) (bool, error) {
	result, err := redisTokenBucketScript.Run(ctx, s.client,
		[]string{fmt.Sprintf("spc:limiter:%s", key)},
		s.perSecond, s.burst, float64(time.Now().UnixMicro())/1e6,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return result == 1, nil
}
