package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"phonestock/backend/internal/domain"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, key string) (*domain.StockSummary, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.StockSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, key string, value *domain.StockSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
