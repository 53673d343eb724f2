package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PollBudget is a Redis-backed token bucket that caps how many platform
// message queries the status monitor may issue. Keeping the bucket in Redis
// means the budget holds across restarts and across multiple orchestrator
// replicas sharing one platform session.
type PollBudget struct {
	client   *redis.Client
	key      string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewPollBudget constructs a budget with the provided capacity/refill.
func NewPollBudget(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *PollBudget {
	return &PollBudget{
		client:   client,
		key:      "videos:poll:budget",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token if available.
func (b *PollBudget) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := budgetScript.Run(ctx, b.client, []string{b.key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, nil
	}
	return allowed == 1, nil
}

var budgetScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
