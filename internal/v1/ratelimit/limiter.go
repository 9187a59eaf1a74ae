// Package ratelimit enforces per-user frame budgets across all of a
// user's sockets, backed by Redis when clustering is on and local memory
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/metrics"
)

// UserLimiter meters frames per user: a broad budget for everything and a
// tighter one for sensitive room-admin operations.
type UserLimiter struct {
	generic   *limiter.Limiter
	sensitive *limiter.Limiter
	store     limiter.Store
}

// NewUserLimiter parses the configured formatted rates ("300-M" style) and
// picks the store: Redis when a client is supplied, memory otherwise.
func NewUserLimiter(cfg *config.Config, redisClient *redis.Client) (*UserLimiter, error) {
	genericRate, err := limiter.NewRateFromFormatted(cfg.RateLimitUser)
	if err != nil {
		return nil, fmt.Errorf("invalid user rate: %w", err)
	}
	sensitiveRate, err := limiter.NewRateFromFormatted(cfg.RateLimitUserSensitive)
	if err != nil {
		return nil, fmt.Errorf("invalid sensitive user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:chat:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Per-user rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Per-user rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &UserLimiter{
		generic:   limiter.New(store, genericRate),
		sensitive: limiter.New(store, sensitiveRate),
		store:     store,
	}, nil
}

// CheckGeneric meters one frame against the user's broad budget. The
// limiter fails open on store errors; availability beats strictness here.
func (l *UserLimiter) CheckGeneric(ctx context.Context, userID string) (bool, time.Duration) {
	return l.check(ctx, l.generic, "user", userID)
}

// CheckSensitive meters one sensitive room-admin frame.
func (l *UserLimiter) CheckSensitive(ctx context.Context, userID string) (bool, time.Duration) {
	return l.check(ctx, l.sensitive, "user_sensitive", "sensitive:"+userID)
}

func (l *UserLimiter) check(ctx context.Context, inst *limiter.Limiter, kind, key string) (bool, time.Duration) {
	lctx, err := inst.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true, 0 // fail open
	}
	if lctx.Reached {
		metrics.RateLimitViolations.WithLabelValues(kind).Inc()
		retry := time.Until(time.Unix(lctx.Reset, 0))
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}
	return true, 0
}
