package backend

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	apperrors "github.com/fenwick-labs/ratelimitd/pkg/errors"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/resilience"
)

// fixedWindowScript rolls an aligned window key forward and admits if the
// post-increment count stays within capacity. KEYS[1] is the bucket key.
// ARGV: nowMs, windowMs, capacity, requested, ttlSeconds.
var fixedWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local windowStart = now - (now % window)

local data = redis.call('HMGET', key, 'windowStart', 'count')
local storedStart = tonumber(data[1])
local count = tonumber(data[2]) or 0

if storedStart == nil or storedStart ~= windowStart then
	storedStart = windowStart
	count = 0
end

local retryAfter = storedStart + window - now

if requested < 0 or requested > capacity then
	return {0, capacity - count, retryAfter}
end

if count + requested <= capacity then
	count = count + requested
	redis.call('HMSET', key, 'windowStart', storedStart, 'count', count)
	redis.call('EXPIRE', key, ttl)
	return {1, capacity - count, 0}
end

redis.call('HMSET', key, 'windowStart', storedStart, 'count', count)
redis.call('EXPIRE', key, ttl)
return {0, capacity - count, retryAfter}
`)

// tokenBucketScript refills then admits. KEYS[1] is the bucket key.
// ARGV: nowMs, capacity, refillRate, requested, ttlSeconds.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refillRate = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'lastRefill')
local tokens = tonumber(data[1])
local lastRefill = tonumber(data[2])

if tokens == nil then
	tokens = capacity
	lastRefill = now
end

local elapsed = now - lastRefill
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + math.floor((elapsed * refillRate) / 1000))
lastRefill = now

if requested < 0 or requested > capacity then
	redis.call('HMSET', key, 'tokens', tokens, 'lastRefill', lastRefill)
	redis.call('EXPIRE', key, ttl)
	return {0, tokens, 0}
end

if tokens >= requested then
	tokens = tokens - requested
	redis.call('HMSET', key, 'tokens', tokens, 'lastRefill', lastRefill)
	redis.call('EXPIRE', key, ttl)
	return {1, tokens, 0}
end

local deficit = requested - tokens
local retryAfter = 0
if refillRate > 0 then
	retryAfter = math.ceil((deficit * 1000) / refillRate)
end
redis.call('HMSET', key, 'tokens', tokens, 'lastRefill', lastRefill)
redis.call('EXPIRE', key, ttl)
return {0, tokens, retryAfter}
`)

// slidingWindowScript maintains a ZSET of admitted request timestamps.
// KEYS[1] is the bucket key. ARGV: nowMs, windowMs, capacity, requested,
// ttlSeconds.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if requested < 0 or requested > capacity then
	return {0, capacity - count, window}
end

if count + requested <= capacity then
	for i = 1, requested do
		redis.call('ZADD', key, now, now .. ':' .. i .. ':' .. math.random())
	end
	redis.call('EXPIRE', key, ttl)
	return {1, capacity - count - requested, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retryAfter = window
if oldest[2] ~= nil then
	retryAfter = tonumber(oldest[2]) + window - now
end
return {0, 0, retryAfter}
`)

// leakyBucketScript leaks the queue length at refillRate items/second
// then admits if the post-enqueue length stays within capacity. The
// queue is represented by its length and a last-leak timestamp only
// (individual entry timestamps aren't needed server-side since the
// estimated wait is a function of queue length alone). KEYS[1] is the
// bucket key. ARGV: nowMs, capacity, refillRate, requested, ttlSeconds.
var leakyBucketScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refillRate = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'queueLen', 'lastLeak')
local queueLen = tonumber(data[1]) or 0
local lastLeak = tonumber(data[2])
if lastLeak == nil then lastLeak = now end

local elapsed = now - lastLeak
if elapsed < 0 then elapsed = 0 end
if refillRate > 0 then
	local leaked = math.floor((elapsed * refillRate) / 1000)
	if leaked > queueLen then leaked = queueLen end
	queueLen = queueLen - leaked
end
lastLeak = now

if requested < 0 or requested > capacity then
	redis.call('HMSET', key, 'queueLen', queueLen, 'lastLeak', lastLeak)
	redis.call('EXPIRE', key, ttl)
	return {0, capacity - queueLen, 0, 0}
end

if queueLen + requested <= capacity then
	local estimatedWait = 0
	if refillRate > 0 then
		estimatedWait = math.floor((queueLen * 1000) / refillRate)
	end
	queueLen = queueLen + requested
	redis.call('HMSET', key, 'queueLen', queueLen, 'lastLeak', lastLeak)
	redis.call('EXPIRE', key, ttl)
	return {1, capacity - queueLen, 0, estimatedWait}
end

local retryAfter = 0
if refillRate > 0 then
	retryAfter = math.ceil(((queueLen - capacity + requested) * 1000) / refillRate)
	if retryAfter < 0 then retryAfter = 0 end
end
redis.call('HMSET', key, 'queueLen', queueLen, 'lastLeak', lastLeak)
redis.call('EXPIRE', key, ttl)
return {0, 0, retryAfter, 0}
`)

const bucketTTLSeconds = 24 * 60 * 60

// RedisClient is the subset of *goredis.Client the remote backend needs,
// satisfied by both a standalone client and a cluster client.
type RedisClient interface {
	goredis.Scripter
}

// Remote is a Backend that executes each algorithm step as a single Lua
// script against a shared Redis instance, so every replica of the
// service sees the same decision for a key. Calls are wrapped in a
// circuit breaker and a client-side token bucket throttle so a slow or
// unreachable store degrades instead of cascading.
type Remote struct {
	client  RedisClient
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
}

// RemoteConfig configures the Redis-backed adapter.
type RemoteConfig struct {
	Client RedisClient

	// Breaker guards against a struggling Redis turning every request
	// into a multi-second timeout; see spec §4.2/§7.
	Breaker resilience.CircuitBreakerConfig

	// ClientRateLimit caps how many script invocations per second this
	// process will issue, smoothing bursts before they reach Redis.
	// Zero disables client-side throttling.
	ClientRateLimit rate.Limit
	ClientBurst     int
}

// NewRemote builds a Redis-backed backend from cfg.
func NewRemote(cfg RemoteConfig) *Remote {
	r := &Remote{
		client:  cfg.Client,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}
	if cfg.ClientRateLimit > 0 {
		burst := cfg.ClientBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(cfg.ClientRateLimit, burst)
	}
	return r
}

func bucketKey(key string) string {
	return fmt.Sprintf("bucket:%s", key)
}

// Execute implements Backend.
func (r *Remote) Execute(ctx context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return ratelimit.Result{}, apperrors.Unavailable("remote rate-limit backend throttled", err)
		}
	}

	var result ratelimit.Result
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		res, runErr := r.run(ctx, key, cfg, requested, nowMs)
		if runErr != nil {
			return runErr
		}
		result = res
		return nil
	})
	if err != nil {
		return ratelimit.Result{}, apperrors.Unavailable("remote rate-limit backend unavailable", err)
	}
	return result, nil
}

func (r *Remote) run(ctx context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error) {
	k := bucketKey(key)

	switch cfg.Algorithm {
	case ratelimit.FixedWindow:
		raw, err := fixedWindowScript.Run(ctx, r.client, []string{k}, nowMs, cfg.WindowMs, cfg.Capacity, requested, bucketTTLSeconds).Result()
		if err != nil {
			return ratelimit.Result{}, err
		}
		vals := raw.([]interface{})
		return ratelimit.Result{
			Allowed:      vals[0].(int64) == 1,
			Remaining:    vals[1].(int64),
			RetryAfterMs: vals[2].(int64),
		}, nil

	case ratelimit.TokenBucket:
		raw, err := tokenBucketScript.Run(ctx, r.client, []string{k}, nowMs, cfg.Capacity, cfg.RefillRate, requested, bucketTTLSeconds).Result()
		if err != nil {
			return ratelimit.Result{}, err
		}
		vals := raw.([]interface{})
		return ratelimit.Result{
			Allowed:      vals[0].(int64) == 1,
			Remaining:    vals[1].(int64),
			RetryAfterMs: vals[2].(int64),
		}, nil

	case ratelimit.SlidingWindow:
		raw, err := slidingWindowScript.Run(ctx, r.client, []string{k}, nowMs, cfg.WindowMs, cfg.Capacity, requested, bucketTTLSeconds).Result()
		if err != nil {
			return ratelimit.Result{}, err
		}
		vals := raw.([]interface{})
		return ratelimit.Result{
			Allowed:      vals[0].(int64) == 1,
			Remaining:    vals[1].(int64),
			RetryAfterMs: vals[2].(int64),
		}, nil

	case ratelimit.LeakyBucket:
		raw, err := leakyBucketScript.Run(ctx, r.client, []string{k}, nowMs, cfg.Capacity, cfg.RefillRate, requested, bucketTTLSeconds).Result()
		if err != nil {
			return ratelimit.Result{}, err
		}
		vals := raw.([]interface{})
		return ratelimit.Result{
			Allowed:         vals[0].(int64) == 1,
			Remaining:       vals[1].(int64),
			RetryAfterMs:    vals[2].(int64),
			EstimatedWaitMs: vals[3].(int64),
		}, nil
	}

	return ratelimit.Result{}, apperrors.InvalidInput("unknown algorithm", nil)
}
