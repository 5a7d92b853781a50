//go:build integration
// +build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) *redis.Cache {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: TEST_REDIS_ADDR not set")
	}
	c := redis.New(addr, "", 1)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAllowRequestFixedWindow(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()
	ip := "10.0.0." + uuid.NewString()[:4]

	for i := 0; i < 3; i++ {
		ok, err := c.AllowRequest(ctx, ip, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d inside the window limit", i+1)
	}

	ok, err := c.AllowRequest(ctx, ip, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request exceeds the limit")
}

func TestDelayRecordRoundTrip(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	_, err := c.GetDelayRecord(ctx, "RID-miss")
	assert.ErrorIs(t, err, redis.ErrCacheMiss)

	rec := domain.ServiceDelay{RID: "RID-1", DelayMinutes: 30}
	require.NoError(t, c.SetDelayRecord(ctx, rec))

	got, err := c.GetDelayRecord(ctx, "RID-1")
	require.NoError(t, err)
	assert.Equal(t, 30, got.DelayMinutes)
}
