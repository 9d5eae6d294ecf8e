package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/shared/metrics"
)

const (
	counterCacheName = "quota_counter"

	// Keys outlive the cycle slightly so late commits still land on the
	// right counter.
	counterTTLBuffer = 48 * time.Hour
)

// CounterCache mirrors usage counters in redis. The database row is
// authoritative; the mirror serves reads and absorbs commits, and any
// error degrades to a miss.
type CounterCache struct {
	client  *redis.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCounterCache creates a usage counter mirror.
func NewCounterCache(client *redis.Client, m *metrics.Metrics, logger *zap.Logger) *CounterCache {
	return &CounterCache{client: client, metrics: m, logger: logger}
}

func counterKey(userID uuid.UUID, cycleID string) string {
	return fmt.Sprintf("quizmith:quota:%s:%s", userID, cycleID)
}

// Get returns the mirrored count and whether the mirror held one.
func (c *CounterCache) Get(ctx context.Context, userID uuid.UUID, cycleID string) (int, bool) {
	val, err := c.client.Get(ctx, counterKey(userID, cycleID)).Result()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheMissesTotal.WithLabelValues(counterCacheName).Inc()
		return 0, false
	}
	if err != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(counterCacheName).Inc()
		c.logger.Warn("quota counter read failed", zap.Error(err))
		return 0, false
	}

	used, err := strconv.Atoi(val)
	if err != nil {
		c.logger.Warn("quota counter corrupt", zap.String("value", val))
		return 0, false
	}
	c.metrics.CacheHitsTotal.WithLabelValues(counterCacheName).Inc()
	return used, true
}

// Set overwrites the mirrored count with an authoritative value,
// expiring shortly after the cycle ends.
func (c *CounterCache) Set(ctx context.Context, userID uuid.UUID, cycle Cycle, used int) {
	ttl := time.Until(cycle.End) + counterTTLBuffer
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, counterKey(userID, cycle.ID), used, ttl).Err(); err != nil {
		c.logger.Warn("quota counter write failed", zap.Error(err))
	}
}

// Invalidate drops the mirrored count, forcing the next read through to
// the database.
func (c *CounterCache) Invalidate(ctx context.Context, userID uuid.UUID, cycleID string) {
	if err := c.client.Del(ctx, counterKey(userID, cycleID)).Err(); err != nil {
		c.logger.Warn("quota counter invalidate failed", zap.Error(err))
	}
}
