package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/innerloop-ai/innerloop/pkg/models"
)

// Cache stores assembled dossiers.
type Cache interface {
	Get(ctx context.Context, userID int64) (*models.Dossier, error)
	Set(ctx context.Context, d *models.Dossier, ttl time.Duration) error
	Invalidate(ctx context.Context, userID int64) error
}

// RedisCache keeps dossiers as JSON values with a TTL.
type RedisCache struct {
	rdb redis.UniversalClient
}

func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func dossierKey(userID int64) string {
	return fmt.Sprintf("dossier:user:%d", userID)
}

// Get returns the cached dossier or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, userID int64) (*models.Dossier, error) {
	raw, err := c.rdb.Get(ctx, dossierKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached dossier: %w", err)
	}
	var d models.Dossier
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode cached dossier: %w", err)
	}
	return &d, nil
}

func (c *RedisCache) Set(ctx context.Context, d *models.Dossier, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode dossier: %w", err)
	}
	if err := c.rdb.Set(ctx, dossierKey(d.UserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache dossier: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.rdb.Del(ctx, dossierKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate dossier: %w", err)
	}
	return nil
}
