package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := newRedisStoreFromClient(rdb, ttl)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t, time.Hour)

	ok, err := store.ShouldDispatch(ctx, "alice", "https://other.example/1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ShouldDispatch(ctx, "alice", "https://other.example/1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ShouldDispatch(ctx, "bob", "https://other.example/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreRetentionHorizon(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, time.Hour)

	ok, err := store.ShouldDispatch(ctx, "alice", "post")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(30 * time.Minute)
	ok, err = store.ShouldDispatch(ctx, "alice", "post")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Minute)
	ok, err = store.ShouldDispatch(ctx, "alice", "post")
	require.NoError(t, err)
	assert.True(t, ok)
}
