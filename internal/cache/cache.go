// Package cache implements the shared short-TTL cache for candles, prices,
// indicator values and calculation state, backed by Redis. Writes used on the
// hot path are pipelined; payloads over the compression threshold are stored
// gzip-compressed behind a sentinel prefix.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Client wraps the Redis connection shared by the cache views.
type Client struct {
	rdb *goredis.Client
}

// Config configures the cache connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[cache] connected to %s (db=%d)", cfg.Addr, cfg.DB)
	return &Client{rdb: rdb}, nil
}

// Redis exposes the underlying client for views built on top of it.
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
