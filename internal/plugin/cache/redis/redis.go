package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/remembr/remembr/internal/config"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.Cache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: REMEMBR_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a Cache from a Redis-compatible URL. Exported so
// tests can point it at miniredis.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.Cache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisCache{client: client}, nil
}

type redisCache struct {
	client *goredis.Client
}

func (c *redisCache) Available() bool { return true }

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Swap(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Set(ctx, key, value, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *redisCache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return c.Delete(ctx, keys...)
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, key, delta).Result()
}

func (c *redisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Redis reports -1 for no expiry and -2 for a missing key.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (c *redisCache) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for key, value := range items {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCache) GetMany(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

var _ registrycache.Cache = (*redisCache)(nil)
