package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateTracker tracks a backend's remaining-request budget and reset
// time from rate-limit response headers, mirroring the github
// connector's remaining/reset bookkeeping. A Redis mirror is optional
// and lets concurrent llm-mux invocations against the same backend
// share a budget; with a mirror, Remaining reads the shared value first
// and falls back to the in-memory state when that read fails.
type RateTracker struct {
	mu        sync.Mutex
	remaining int
	limit     int
	reset     time.Time

	redis     *redis.Client
	redisKey  string
}

// NewRateTracker creates a tracker with no Redis mirror.
func NewRateTracker() *RateTracker {
	return &RateTracker{remaining: -1}
}

// NewRateTrackerWithRedis creates a tracker that additionally mirrors
// its state to Redis under keyPrefix+name.
func NewRateTrackerWithRedis(cfg *RedisConfig, name string) *RateTracker {
	rt := NewRateTracker()
	if cfg == nil {
		return rt
	}
	rt.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "llm-mux:ratelimit:"
	}
	rt.redisKey = prefix + name
	return rt
}

// Update records remaining/limit/reset parsed from response headers.
// Values of -1/zero mean "header absent, leave prior state".
func (rt *RateTracker) Update(remaining, limit int, reset time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if remaining >= 0 {
		rt.remaining = remaining
	}
	if limit > 0 {
		rt.limit = limit
	}
	if !reset.IsZero() {
		rt.reset = reset
	}
	if rt.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.redis.HSet(ctx, rt.redisKey, map[string]interface{}{
			"remaining": rt.remaining,
			"limit":     rt.limit,
			"reset":     rt.reset.Unix(),
		})
		rt.redis.Expire(ctx, rt.redisKey, time.Until(rt.reset)+time.Minute)
	}
}

// Remaining returns the last known remaining-request count, or -1 if
// unknown. When a Redis mirror is configured it is consulted first so
// that a budget exhausted by a sibling process is observed promptly.
func (rt *RateTracker) Remaining(ctx context.Context) int {
	if rt.redis != nil {
		if v, err := rt.redis.HGet(ctx, rt.redisKey, "remaining").Result(); err == nil {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.remaining
}

// TimeUntilReset returns how long until the rate window resets.
func (rt *RateTracker) TimeUntilReset() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.reset.IsZero() {
		return 0
	}
	d := time.Until(rt.reset)
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until the rate window resets if the tracker believes the
// budget is exhausted, or returns immediately if ctx is done first.
func (rt *RateTracker) Wait(ctx context.Context) error {
	if rt.Remaining(ctx) > 0 {
		return nil
	}
	d := rt.TimeUntilReset()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (rt *RateTracker) String() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return fmt.Sprintf("remaining=%d/%d reset=%s", rt.remaining, rt.limit, rt.reset.Format(time.RFC3339))
}
