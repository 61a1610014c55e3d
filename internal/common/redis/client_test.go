package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/common/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(&config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewClient(&config.RedisConfig{Addr: "localhost:6379"}, nil)
	assert.Error(t, err)
}

func TestClient_GetSet(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	// Missing key is an empty value, not an error
	val, err := client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	val, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestClient_SetNX(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "lock", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "lock", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SETNX must not acquire")
}

func TestClient_HashWithExpire(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.HSetWithExpire(ctx, "meta", time.Hour, "url", "https://example.com", "size", "42"))

	data, err := client.HGetAll(ctx, "meta")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", data["url"])
	assert.Equal(t, "42", data["size"])

	ttl, err := client.TTL(ctx, "meta")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Entry disappears once the TTL elapses
	mr.FastForward(2 * time.Hour)
	data, err = client.HGetAll(ctx, "meta")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestClient_ScanKeys(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "capture:meta:a", "1", 0))
	require.NoError(t, client.Set(ctx, "capture:meta:b", "1", 0))
	require.NoError(t, client.Set(ctx, "other:c", "1", 0))

	keys, err := client.ScanKeys(ctx, "capture:meta:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestClient_Del(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	require.NoError(t, client.Del(ctx, "k"))

	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting nothing is a no-op
	require.NoError(t, client.Del(ctx))
}
