// Package ratelimit implements per-identifier sliding-window throttling over
// the shared KV store, with burst allowance and tier policy.
//
// All window accounting is linearizable through the server-side scripts in
// kvstore. If the store is unreachable the limiter fails open: requests are
// admitted and an error metric is recorded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/kvstore"
	"github.com/binsight/binsight-ai/internal/metrics"
)

// windows are the nested sliding windows, in seconds. A request consumes one
// slot in each.
var windows = []int{60, 3600, 86400}

const (
	blockedSetKey = "ratelimit:blocked"
	statsKey      = "ratelimit:stats"
)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed      bool          `json:"allowed"`
	CurrentUsage int64         `json:"current_usage"`
	Limit        int64         `json:"limit"`
	Remaining    int64         `json:"remaining"`
	ResetAt      time.Time     `json:"reset_at"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	BurstUsed    bool          `json:"burst_used,omitempty"`
}

// Limiter checks request quotas against the KV store.
type Limiter struct {
	store  *kvstore.Store
	policy Policy
	log    *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter with the given policy. The policy is validated once
// and never mutated afterwards.
func New(store *kvstore.Store, policy Policy, log *zap.Logger) (*Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit policy: %w", err)
	}
	return &Limiter{store: store, policy: policy, log: log, now: time.Now}, nil
}

// Check decides whether a request of the given cost is admitted for the
// identifier under its tier. cost defaults to 1 when <= 0.
func (l *Limiter) Check(ctx context.Context, identifier string, tier Tier, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	if tier == TierUnlimited {
		return Result{Allowed: true, Limit: math.MaxInt64, Remaining: math.MaxInt64}, nil
	}
	limits, ok := l.policy[tier]
	if !ok {
		return Result{}, fmt.Errorf("no policy for tier %q", tier)
	}

	now := l.now()
	nowF := float64(now.UnixNano()) / 1e9

	var tightest Result
	tightest.Remaining = math.MaxInt64
	burstConsumed := false

	for _, w := range windows {
		key := fmt.Sprintf("ratelimit:%s:%d", identifier, w)
		limit := limits.limitFor(w)

		res, err := l.store.SlidingWindowCount(ctx, key, nowF-float64(w), 2*w)
		if err != nil {
			return l.failOpen(identifier, err), nil
		}

		if res.Count+int64(cost) > int64(limit) {
			// Burst is a soft overage allowance consulted only after a
			// window denies; it never bypasses accounting.
			ok, berr := l.store.BurstTryConsume(ctx, "burst:"+identifier, now.Unix(), w, limits.Burst, cost, 2*w)
			if berr != nil {
				return l.failOpen(identifier, berr), nil
			}
			if !ok {
				return l.deny(ctx, identifier, w, limit, res, now)
			}
			burstConsumed = true
		}

		remaining := int64(limit) - res.Count - int64(cost)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < tightest.Remaining {
			tightest = Result{
				Allowed:      true,
				CurrentUsage: res.Count + int64(cost),
				Limit:        int64(limit),
				Remaining:    remaining,
				ResetAt:      resetAt(res.OldestScore, w, now),
			}
		}
	}

	if err := l.record(ctx, identifier, nowF, cost); err != nil {
		return l.failOpen(identifier, err), nil
	}

	// Admission clears any stale blocked marker.
	_ = l.store.SetRemove(ctx, blockedSetKey, identifier)
	_, _ = l.store.HashIncr(ctx, statsKey, "allowed", 1)
	metrics.RateLimitChecks.WithLabelValues("allowed").Inc()

	tightest.BurstUsed = burstConsumed
	return tightest, nil
}

// record adds cost members to every window's sorted set in one pipelined
// round-trip, each with a TTL of twice the window.
func (l *Limiter) record(ctx context.Context, identifier string, nowF float64, cost int) error {
	return l.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range windows {
			key := fmt.Sprintf("ratelimit:%s:%d", identifier, w)
			for i := 0; i < cost; i++ {
				member := fmt.Sprintf("%f:%s", nowF, uuid.NewString()[:8])
				pipe.ZAdd(ctx, key, redis.Z{Score: nowF, Member: member})
			}
			pipe.Expire(ctx, key, time.Duration(2*w)*time.Second)
		}
		return nil
	})
}

func (l *Limiter) deny(ctx context.Context, identifier string, w, limit int, res kvstore.SlidingWindowResult, now time.Time) (Result, error) {
	retryAfter := resetAt(res.OldestScore, w, now).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	_ = l.store.SetAdd(ctx, blockedSetKey, identifier)
	_, _ = l.store.HashIncr(ctx, statsKey, "denied", 1)
	metrics.RateLimitChecks.WithLabelValues("denied").Inc()

	return Result{
		Allowed:      false,
		CurrentUsage: res.Count,
		Limit:        int64(limit),
		Remaining:    0,
		ResetAt:      now.Add(retryAfter),
		RetryAfter:   retryAfter,
	}, nil
}

// failOpen admits the request when the store is unreachable.
func (l *Limiter) failOpen(identifier string, err error) Result {
	if !errors.Is(err, kvstore.ErrUnavailable) && !errors.Is(err, kvstore.ErrTimeout) {
		l.log.Warn("rate limiter store error, failing open",
			zap.String("identifier", identifier), zap.Error(err))
	} else {
		l.log.Warn("rate limiter store unreachable, failing open",
			zap.String("identifier", identifier))
	}
	metrics.RateLimitErrors.Inc()
	return Result{Allowed: true, Limit: math.MaxInt64, Remaining: math.MaxInt64}
}

// BlockedIdentifiers lists identifiers currently marked blocked, for admin
// visibility.
func (l *Limiter) BlockedIdentifiers(ctx context.Context) ([]string, error) {
	return l.store.SetMembers(ctx, blockedSetKey)
}

// resetAt is when the oldest recorded request ages out of the window.
func resetAt(oldestScore float64, w int, now time.Time) time.Time {
	if oldestScore == 0 {
		return now.Add(time.Duration(w) * time.Second)
	}
	sec := int64(oldestScore)
	nsec := int64((oldestScore - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Add(time.Duration(w) * time.Second)
}
