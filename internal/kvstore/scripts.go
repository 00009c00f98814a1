package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Server-side scripts. redis.Script handles EVALSHA with EVAL fallback, so
// each script is loaded at most once per connection lifetime.

// slidingWindowCount purges entries older than the cutoff, refreshes the key
// TTL, and returns {count, oldest_score}.
//
// KEYS[1] = sorted set key
// ARGV[1] = cutoff score (now - window, float seconds)
// ARGV[2] = key TTL in seconds
var slidingWindowCount = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest > 0 then
  return {count, oldest[2]}
end
return {count, '0'}
`)

// burstTryConsume implements an atomic compare-and-swap on the burst
// allowance struct. The struct resets when its window has elapsed. Returns 1
// when the consumption succeeded, 0 when the allowance is exhausted.
//
// KEYS[1] = burst struct key (JSON {used, window_start})
// ARGV[1] = now (unix seconds)
// ARGV[2] = burst window in seconds
// ARGV[3] = burst limit
// ARGV[4] = cost
// ARGV[5] = key TTL in seconds
var burstTryConsume = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local used = 0
local start = now
local raw = redis.call('GET', KEYS[1])
if raw then
  local ok, st = pcall(cjson.decode, raw)
  if ok and type(st) == 'table' then
    used = tonumber(st.used) or 0
    start = tonumber(st.window_start) or now
    if now - start >= window then
      used = 0
      start = now
    end
  end
end
if used + cost > limit then
  return 0
end
used = used + cost
redis.call('SET', KEYS[1], cjson.encode({used = used, window_start = start}), 'EX', ARGV[5])
return 1
`)

// SlidingWindowResult is the outcome of the sliding_window_count script.
type SlidingWindowResult struct {
	Count       int64
	OldestScore float64
}

// SlidingWindowCount runs the sliding_window_count script against key.
func (s *Store) SlidingWindowCount(ctx context.Context, key string, cutoff float64, ttlSeconds int) (SlidingWindowResult, error) {
	raw, err := slidingWindowCount.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(cutoff, 'f', 6, 64), ttlSeconds).Result()
	if err != nil {
		return SlidingWindowResult{}, scriptErr(err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return SlidingWindowResult{}, fmt.Errorf("%w: unexpected sliding_window_count reply %v", ErrScript, raw)
	}
	count, _ := vals[0].(int64)
	oldest, err := toFloat(vals[1])
	if err != nil {
		return SlidingWindowResult{}, err
	}
	return SlidingWindowResult{Count: count, OldestScore: oldest}, nil
}

// BurstTryConsume runs the burst_allowance_try_consume script. It returns
// true when the allowance covered the cost.
func (s *Store) BurstTryConsume(ctx context.Context, key string, now int64, windowSeconds, limit, cost, ttlSeconds int) (bool, error) {
	raw, err := burstTryConsume.Run(ctx, s.client, []string{key},
		now, windowSeconds, limit, cost, ttlSeconds).Result()
	if err != nil {
		return false, scriptErr(err)
	}
	n, ok := raw.(int64)
	if !ok {
		return false, fmt.Errorf("%w: unexpected burst_allowance reply %v", ErrScript, raw)
	}
	return n == 1, nil
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric score %q", ErrScript, t)
		}
		return f, nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("%w: unexpected score type %T", ErrScript, v)
	}
}

func scriptErr(err error) error {
	// Server-side Lua failures arrive as redis protocol errors; everything
	// else is a transport problem.
	var redisErr redis.Error
	if errors.As(err, &redisErr) && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrScript, err)
	}
	return classify(err)
}
