// Package redisclient wraps go-redis for collector bookmark persistence
// (so a restarted collector resumes from where a peer left off). The
// flow controller keeps its token state in memory and does not use it.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coriolis-labs/ingestor/config"
)

type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// GetBookmark reads a collector's persisted cursor value, returning
// ("", nil) if the key has never been set.
func (r *Client) GetBookmark(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, bookmarkKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redisclient: get bookmark %s: %w", key, err)
	}
	return val, nil
}

// SetBookmark persists a collector's cursor value with no expiry; a
// bookmark is live state, not a cache entry, and should outlive any TTL.
func (r *Client) SetBookmark(ctx context.Context, key, value string) error {
	if err := r.c.Set(ctx, bookmarkKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisclient: set bookmark %s: %w", key, err)
	}
	return nil
}

func bookmarkKey(key string) string {
	return "ingestor:bookmark:" + key
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.c.Close()
}

// Raw exposes the underlying client for callers that need direct
// command access; no package in this module calls it.
func (r *Client) Raw() *redis.Client {
	return r.c
}
