package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis is a Store shared by every instance pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis namespaces every key as "<prefix>:<key>".
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	return &Redis{client: client, prefix: strings.TrimSuffix(prefix, ":"), logger: logger}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		r.logger.Error("Failed to get cache value", zap.Error(err), zap.String("key", key))
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache value", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Error("Failed to delete cache value", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		r.logger.Error("Failed to claim cache key", zap.Error(err), zap.String("key", key))
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
