package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindfulpath/scheduling/internal/model"
)

const cacheKey = "scheduling:timeslots:v1"

// Cache is a Redis read-through front for the slot catalog. The catalog is
// small, hot, and changes rarely, so a single JSON blob with a TTL is
// enough. Read failures fall through to the underlying provider; the cache
// never turns a working catalog into an error.
type Cache struct {
	inner  Provider
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCache(inner Provider, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *Cache) List(ctx context.Context) ([]model.TimeSlot, error) {
	if raw, err := c.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
		var slots []model.TimeSlot
		if err := json.Unmarshal(raw, &slots); err == nil {
			return slots, nil
		}
		// Corrupt entry: drop it and reload.
		_ = c.rdb.Del(ctx, cacheKey).Err()
	} else if err != redis.Nil && c.logger != nil {
		c.logger.Warn("slot catalog cache read failed", "err", err)
	}

	slots, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(slots); err == nil {
		if err := c.rdb.Set(ctx, cacheKey, raw, c.ttl).Err(); err != nil && c.logger != nil {
			c.logger.Warn("slot catalog cache write failed", "err", err)
		}
	}
	return slots, nil
}

func (c *Cache) Get(ctx context.Context, id string) (model.TimeSlot, error) {
	slots, err := c.List(ctx)
	if err != nil {
		return model.TimeSlot{}, err
	}
	for _, s := range slots {
		if s.ID == id {
			return s, nil
		}
	}
	return model.TimeSlot{}, ErrNotFound
}

// Invalidate drops the cached catalog, forcing the next read through.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, cacheKey).Err()
}
