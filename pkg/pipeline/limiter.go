package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DefaultIntentsPerMinute and DefaultBurst are the per-agent defaults
// SPEC_FULL.md §4.1.a names for the supplementary rate limiter layered
// ahead of phase P1.
const (
	DefaultIntentsPerMinute = 120
	DefaultBurst            = 30
)

// Limiter decides whether agentID may submit one more intent right now.
// A limiter error must never deny admission: it is a supplementary
// throttle, not a security boundary, so callers treat an error the same
// as Allow()==true (SPEC_FULL.md §4.1.a).
type Limiter interface {
	Allow(ctx context.Context, agentID string) (bool, error)
}

// LocalLimiter keeps one in-process token bucket per agent, created lazily
// on first use. This is the default when AEON_REDIS_ADDR is unset.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewLocalLimiter builds a limiter with ratePerMinute tokens/min and the
// given burst size per agent.
func NewLocalLimiter(ratePerMinute, burst int) *LocalLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultIntentsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(float64(ratePerMinute) / 60.0),
		burst:   burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, agentID string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[agentID] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// redisTokenBucketScript is the teacher's kernel/limiter_redis.go script
// verbatim: tokens refill continuously from the last-seen timestamp stored
// in the bucket's hash, so no background sweeper is needed and the bucket
// self-expires after 60 seconds of inactivity.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter shares one token-bucket state across every gateway process
// guarding the same agent fleet, the distributed backend SPEC_FULL.md
// §4.1.a enables via AEON_REDIS_ADDR.
type RedisLimiter struct {
	client *redis.Client
	rpm    int
	burst  int
}

func NewRedisLimiter(addr, password string, db, ratePerMinute, burst int) *RedisLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultIntentsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rpm:    ratePerMinute,
		burst:  burst,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	key := fmt.Sprintf("aeon:limiter:%s", agentID)
	ratePerSec := float64(l.rpm) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, ratePerSec, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("pipeline: redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("pipeline: unexpected lua script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
