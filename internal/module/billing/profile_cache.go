package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/shared/metrics"
)

const profileCacheName = "plan_state"

// PlanStateCache caches PlanState by user ID. Misses return nil; cache
// failures must degrade to misses.
type PlanStateCache interface {
	Get(ctx context.Context, userID uuid.UUID) *PlanState
	Set(ctx context.Context, state *PlanState)
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// ProfileCache is a read-through cache of PlanState keyed by user ID.
// Invalidation is centralized here: every write path that touches a
// profile calls Invalidate, nothing else deletes the key.
type ProfileCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProfileCache creates a redis-backed plan state cache with the
// given TTL.
func NewProfileCache(client *redis.Client, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) PlanStateCache {
	return &ProfileCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
	}
}

func profileCacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("quizmith:planstate:%s", userID)
}

// Get returns the cached plan state, or nil on a miss. Cache errors
// degrade to a miss so the caller falls through to the database.
func (c *ProfileCache) Get(ctx context.Context, userID uuid.UUID) *PlanState {
	data, err := c.client.Get(ctx, profileCacheKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheMissesTotal.WithLabelValues(profileCacheName).Inc()
		return nil
	}
	if err != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(profileCacheName).Inc()
		c.logger.Warn("plan state cache read failed", zap.Error(err))
		return nil
	}

	var state PlanState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("plan state cache entry corrupt", zap.Error(err))
		c.Invalidate(ctx, userID)
		return nil
	}

	c.metrics.CacheHitsTotal.WithLabelValues(profileCacheName).Inc()
	return &state
}

// Set stores the plan state. Failures are logged, not returned; the
// cache is an optimization, never authoritative.
func (c *ProfileCache) Set(ctx context.Context, state *PlanState) {
	data, err := json.Marshal(state)
	if err != nil {
		c.logger.Warn("plan state cache marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, profileCacheKey(state.UserID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("plan state cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached plan state for the user.
func (c *ProfileCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	if err := c.client.Del(ctx, profileCacheKey(userID)).Err(); err != nil {
		c.logger.Warn("plan state cache invalidate failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}
