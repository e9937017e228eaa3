package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLeaseLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "cart:" + uuid.New().String()

	owner, err := c.Acquire(ctx, key, "node-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)

	owner, err = c.Acquire(ctx, key, "node-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)

	ok, err := c.Renew(ctx, key, "node-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Renew(ctx, key, "node-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Release(ctx, key, "node-2"))
	owner, err = c.Acquire(ctx, key, "node-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)

	require.NoError(t, c.Release(ctx, key, "node-1"))
	owner, err = c.Acquire(ctx, key, "node-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "node-2", owner)
	require.NoError(t, c.Release(ctx, key, "node-2"))
}

func TestClaimIdempotencyKey(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.New().String()

	first, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}
