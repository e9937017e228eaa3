package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/renew_lease.lua
var renewLeaseScript string

//go:embed scripts/release_lease.lua
var releaseLeaseScript string

type Client struct {
	rdb           *redis.Client
	renewScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		renewScript:   redis.NewScript(renewLeaseScript),
		releaseScript: redis.NewScript(releaseLeaseScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func leaseKey(key string) string {
	return "lease:" + key
}

// Acquire takes a lease with SET NX and returns its current owner, which
// is owner itself when the caller won or already held it. A lease already
// held by owner is extended.
func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (string, error) {
	k := leaseKey(key)

	for attempt := 0; attempt < 3; attempt++ {
		ok, err := c.rdb.SetNX(ctx, k, owner, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lease %s failed: %w", key, err)
		}
		if ok {
			return owner, nil
		}

		current, err := c.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read lease %s failed: %w", key, err)
		}

		if current == owner {
			if _, err := c.Renew(ctx, key, owner, ttl); err != nil {
				return "", err
			}
		}
		return current, nil
	}
	return "", fmt.Errorf("lease %s is contended", key)
}

// Renew extends a lease only if owner still holds it
func (c *Client) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	result, err := c.renewScript.Run(ctx, c.rdb, []string{leaseKey(key)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("renew lease script failed: %w", err)
	}

	renewed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return renewed == 1, nil
}

// Release deletes a lease only if owner still holds it
func (c *Client) Release(ctx context.Context, key, owner string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{leaseKey(key)}, owner).Result()
	if err != nil {
		return fmt.Errorf("release lease script failed: %w", err)
	}
	return nil
}

// ClaimIdempotencyKey records key with a TTL. It reports false when the key
// was already claimed.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key failed: %w", err)
	}
	return ok, nil
}
