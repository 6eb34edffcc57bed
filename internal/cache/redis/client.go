// Package redis implements the cross-process ports (seen-set guard, action
// bus, shared rate limiter, metrics store, run lock) on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this package writes.
const keyPrefix = "copybot:"

// ClientConfig selects the server either by URL (redis:// or rediss://) or
// by Addr. A URL supplies address, credentials and DB; the pool fields
// apply either way.
type ClientConfig struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

func options(cfg ClientConfig) (*redis.Options, error) {
	opts := &redis.Options{}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		opts.Addr = cfg.Addr
		opts.Password = cfg.Password
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: no url or addr configured")
	}
	return opts, nil
}

type Client struct {
	rdb *redis.Client
}

// New connects and pings.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{rdb: redis.NewClient(opts)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: %s: %w", opts.Addr, err)
	}
	return c, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.rdb.Close() }

// Underlying returns the raw *redis.Client the ports share.
func (c *Client) Underlying() *redis.Client { return c.rdb }

// Addr is the server address in use, whichever way it was configured.
func (c *Client) Addr() string { return c.rdb.Options().Addr }
