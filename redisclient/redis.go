package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/deepsentinel/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the shared Redis connection used as the abstract key-value
// store backing the Price Catalog (namespace A) and the Session History
// Store (namespace B).
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

// FromRaw wraps an already-constructed redis.Client. Used by tests to plug
// in a miniredis instance.
func FromRaw(c *redis.Client) *Client {
	return &Client{c: c}
}

// Raw returns the underlying go-redis client for packages that need direct
// access to commands this wrapper doesn't expose.
func (r *Client) Raw() *redis.Client {
	return r.c
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Close releases the connection pool. Called during graceful shutdown.
func (r *Client) Close() error {
	return r.c.Close()
}
