package cache

import (
	"context"
	"errors"

	"github.com/packforge/packforge/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisClient implements RemoteClient on top of go-redis
type RedisClient struct {
	rdb redis.UniversalClient
}

// NewRedisClient connects lazily to the configured Redis server
func NewRedisClient(cfg types.RemoteConfig) *RedisClient {
	return &RedisClient{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(rdb redis.UniversalClient) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// Ping checks connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get implements RemoteClient
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// SetIndexed implements RemoteClient with MULTI/EXEC. Expiry is enforced by
// the store, not Redis.
func (c *RedisClient) SetIndexed(ctx context.Context, key string, value []byte, index, field, meta string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, 0)
		pipe.HSet(ctx, index, field, meta)
		return nil
	})
	return err
}

// DelIndexed implements RemoteClient with MULTI/EXEC
func (c *RedisClient) DelIndexed(ctx context.Context, key, index, field string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HDel(ctx, index, field)
		return nil
	})
	return err
}

// Del implements RemoteClient
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists implements RemoteClient
func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// HSet implements RemoteClient
func (c *RedisClient) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HGet implements RemoteClient
func (c *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HGetAll implements RemoteClient
func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Close closes the underlying connection pool
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
