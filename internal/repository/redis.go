package repository

import (
	"context"
	"fmt"
	"time"

	"pairbot/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisDedupTracker keeps applied transitions as expiring keys.
type RedisDedupTracker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisClient creates a Redis client from the configuration
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisDedupTracker(client *redis.Client, prefix string, ttl time.Duration) *RedisDedupTracker {
	return &RedisDedupTracker{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

func (r *RedisDedupTracker) Seen(ctx context.Context, bookingID, rule string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.Exists(ctx, dedupKey(r.prefix, bookingID, rule)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

func (r *RedisDedupTracker) Mark(ctx context.Context, bookingID, rule string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, dedupKey(r.prefix, bookingID, rule), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set dedup key: %w", err)
	}
	return nil
}

func (r *RedisDedupTracker) Forget(ctx context.Context, bookingID, rule string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, dedupKey(r.prefix, bookingID, rule)).Err(); err != nil {
		return fmt.Errorf("failed to delete dedup key: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
