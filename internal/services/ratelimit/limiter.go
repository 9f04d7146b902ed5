// Package ratelimit enforces per-owner fixed-window request limits and
// concurrency slots, entirely in redis Lua so concurrent gateways agree.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
)

// Window sizes in seconds. Fixed windows aligned to epoch boundaries:
// key is rl:{owner}:{window}:{floor(now/window)}.
const (
	WindowMinute = 60
	WindowHour   = 3600
	WindowDay    = 86400
)

// slotSafetyTTL reaps concurrency slots whose release was lost to a
// crashed gateway.
const slotSafetyTTL = 300

// windowScript checks all three windows before incrementing any of them.
// A denied request must not consume quota in the windows it passed. Keys
// expire at the window boundary plus one second, not a full window, so a
// counter never outlives its window.
//
// KEYS[1..3] = minute, hour, day window keys
// ARGV[1..3] = minute, hour, day limits
// ARGV[4]    = unix seconds now
// Returns {1, minute_rem, hour_rem, day_rem} on allow, or
// {0, window_index, current, limit, window_seconds, minute_rem,
// hour_rem, day_rem} naming the tightest window that denied. Remaining
// counts come back either way because the response headers carry them on
// every request, denials included.
var windowScript = redis.NewScript(`
local windows = {60, 3600, 86400}
local now = tonumber(ARGV[4])
for i = 1, 3 do
	local current = tonumber(redis.call('GET', KEYS[i]) or '0')
	local limit = tonumber(ARGV[i])
	if current >= limit then
		local rem = {}
		for j = 1, 3 do
			local c = tonumber(redis.call('GET', KEYS[j]) or '0')
			rem[j] = tonumber(ARGV[j]) - c
			if rem[j] < 0 then
				rem[j] = 0
			end
		end
		return {0, i, current, limit, windows[i], rem[1], rem[2], rem[3]}
	end
end
local rem = {}
for i = 1, 3 do
	local n = redis.call('INCR', KEYS[i])
	if n == 1 then
		redis.call('EXPIRE', KEYS[i], windows[i] - (now % windows[i]) + 1)
	end
	rem[i] = tonumber(ARGV[i]) - n
end
return {1, rem[1], rem[2], rem[3]}
`)

// acquireScript takes one concurrency slot if the owner is under limit.
// KEYS[1] = slot counter, KEYS[2] = slot hash of in-flight request ids
// ARGV[1] = max concurrent, ARGV[2] = safety TTL, ARGV[3] = request id,
// ARGV[4] = unix seconds now (stored per request id for inspection).
// Returns {acquired, in_flight}.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
redis.call('HSET', KEYS[2], ARGV[3], tonumber(ARGV[4]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
return {1, n}
`)

// releaseScript returns a slot, clamping at zero so a double release
// after a safety-TTL reap cannot drive the counter negative.
var releaseScript = redis.NewScript(`
redis.call('HDEL', KEYS[2], ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
local n = redis.call('DECR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
return n
`)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool

	// On denial, which window tripped and when it resets.
	DeniedWindow  string
	RetryAfterSec int64

	// Remaining quota per window after this request, populated on allow.
	RemainingMinute int
	RemainingHour   int
	RemainingDay    int

	// Minute-window header material.
	Limit     int
	Remaining int
	ResetAt   int64
}

type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewLimiter(rdb *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{redis: rdb, logger: logger}
}

func windowKey(owner models.Owner, window, now int64) string {
	return fmt.Sprintf("rl:%s:%d:%d", owner.Key(), window, now/window)
}

func slotKey(owner models.Owner) string {
	return fmt.Sprintf("concurrency:%s", owner.Key())
}

func slotIDsKey(owner models.Owner) string {
	return slotKey(owner) + ":ids"
}

func windowName(seconds int64) string {
	switch seconds {
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	case WindowDay:
		return "day"
	}
	return "unknown"
}

// Check runs the three-window admission test. Redis failure fails open:
// admission control protects capacity, it is not a billing control, and
// refusing all traffic on a cache blip is the worse failure.
func (l *Limiter) Check(ctx context.Context, owner models.Owner, policy *models.Policy) (*Decision, error) {
	now := time.Now().Unix()
	keys := []string{
		windowKey(owner, WindowMinute, now),
		windowKey(owner, WindowHour, now),
		windowKey(owner, WindowDay, now),
	}
	args := []interface{}{
		policy.RequestsPerMinute,
		policy.RequestsPerHour,
		policy.RequestsPerDay,
		now,
	}

	raw, err := windowScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, admitting request",
			zap.String("owner", owner.Key()),
			zap.Error(err))
		return &Decision{
			Allowed:         true,
			RemainingMinute: policy.RequestsPerMinute,
			RemainingHour:   policy.RequestsPerHour,
			RemainingDay:    policy.RequestsPerDay,
			Limit:           policy.RequestsPerMinute,
			Remaining:       policy.RequestsPerMinute,
			ResetAt:         (now/WindowMinute + 1) * WindowMinute,
		}, nil
	}

	result, ok := raw.([]interface{})
	if !ok || len(result) < 4 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	allowed := asInt64(result[0]) == 1
	if !allowed {
		if len(result) != 8 {
			return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
		}
		windowSec := asInt64(result[4])
		resetAt := (now/windowSec + 1) * windowSec
		return &Decision{
			Allowed:         false,
			DeniedWindow:    windowName(windowSec),
			RetryAfterSec:   resetAt - now,
			RemainingMinute: int(asInt64(result[5])),
			RemainingHour:   int(asInt64(result[6])),
			RemainingDay:    int(asInt64(result[7])),
			Limit:           policy.RequestsPerMinute,
			Remaining:       0,
			ResetAt:         resetAt,
		}, nil
	}

	return &Decision{
		Allowed:         true,
		RemainingMinute: int(asInt64(result[1])),
		RemainingHour:   int(asInt64(result[2])),
		RemainingDay:    int(asInt64(result[3])),
		Limit:           policy.RequestsPerMinute,
		Remaining:       int(asInt64(result[1])),
		ResetAt:         (now/WindowMinute + 1) * WindowMinute,
	}, nil
}

// Acquire takes a concurrency slot. Callers must Release the slot when
// the request finishes, including on panic and client abort paths. Redis
// failure fails open with a no-op release.
func (l *Limiter) Acquire(ctx context.Context, owner models.Owner, policy *models.Policy, requestID string) (bool, int, func(), error) {
	keys := []string{slotKey(owner), slotIDsKey(owner)}

	raw, err := acquireScript.Run(ctx, l.redis, keys,
		policy.MaxConcurrent, slotSafetyTTL, requestID, time.Now().Unix()).Result()
	if err != nil {
		l.logger.Warn("concurrency acquire failed, admitting request",
			zap.String("owner", owner.Key()),
			zap.Error(err))
		return true, 0, func() {}, nil
	}

	result, ok := raw.([]interface{})
	if !ok || len(result) != 2 {
		return false, 0, nil, fmt.Errorf("unexpected concurrency script result: %v", raw)
	}

	acquired := asInt64(result[0]) == 1
	inFlight := int(asInt64(result[1]))
	if !acquired {
		return false, inFlight, nil, nil
	}

	release := func() {
		// Release runs after the request context may be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.redis, keys, slotSafetyTTL, requestID).Err(); err != nil {
			l.logger.Warn("concurrency release failed, safety TTL will reap",
				zap.String("owner", owner.Key()),
				zap.Error(err))
		}
	}
	return true, inFlight, release, nil
}

// InFlight reports the owner's current slot count, for headers.
func (l *Limiter) InFlight(ctx context.Context, owner models.Owner) int {
	n, err := l.redis.Get(ctx, slotKey(owner)).Int()
	if err != nil {
		return 0
	}
	return n
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
