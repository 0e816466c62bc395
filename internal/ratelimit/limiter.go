package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a token bucket kept in Redis so every host calling the same
// external service draws from one budget per key.
type Limiter struct {
	client   *redis.Client
	capacity int
	perSec   float64
	ttl      time.Duration
	now      func() time.Time
}

// New builds a limiter holding up to capacity tokens, refilled at perSec.
// Idle buckets expire after ttl.
func New(client *redis.Client, capacity int, perSec float64, ttl time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{client: client, capacity: capacity, perSec: perSec, ttl: ttl, now: time.Now}
}

// StageKey names the bucket guarding a stage's transform calls.
func StageKey(stage string) string {
	return "rl:transform:" + stage
}

// Allow takes one token from key. When the bucket is empty it reports how long
// until the next token; a zero refill rate reports a wait of one minute.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	reply, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.perSec, l.now().UnixMilli(), l.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("take %s: %w", key, err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("take %s: unexpected reply %v", key, reply)
	}
	if reply[0] == 1 {
		return true, 0, nil
	}
	if reply[1] < 0 {
		return false, time.Minute, nil
	}
	return false, time.Duration(reply[1]) * time.Millisecond, nil
}

// takeScript returns {granted, wait_ms}; wait_ms is -1 when the bucket never refills.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'stamp')
local level = tonumber(state[1]) or capacity
local stamp = tonumber(state[2]) or now
if now > stamp then
  level = math.min(capacity, level + (now - stamp) * rate / 1000)
  stamp = now
end

local granted, wait = 0, 0
if level >= 1 then
  granted = 1
  level = level - 1
elseif rate > 0 then
  wait = math.ceil((1 - level) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'stamp', tostring(stamp))
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {granted, wait}
`)
