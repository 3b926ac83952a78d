package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// NewRedisClient creates a Redis client from redisURL, used for advisory
// rate-limit counters. Advisory: a Redis outage fails open rather than
// blocking requests, since rate limiting is not a correctness requirement
// of this service.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("platform: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform: pinging redis: %w", err)
	}
	return client, nil
}

// AllowRequest applies a fixed-window counter against key, failing open
// (allowing the request) on any Redis error.
func AllowRequest(ctx context.Context, client *redis.Client, key string, limit int64, window int64) bool {
	if client == nil {
		return true
	}
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		client.Expire(ctx, key, secondsToDuration(window))
	}
	return count <= limit
}
