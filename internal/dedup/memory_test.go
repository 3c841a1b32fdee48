package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour, 100)

	ok, err := store.ShouldDispatch(ctx, "alice", "https://other.example/1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ShouldDispatch(ctx, "alice", "https://other.example/1")
	require.NoError(t, err)
	assert.False(t, ok, "second attempt within horizon must be suppressed")

	// a different pair is unaffected
	ok, err = store.ShouldDispatch(ctx, "bob", "https://other.example/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreRetentionHorizon(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour, 100)

	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	ok, _ := store.ShouldDispatch(ctx, "alice", "post")
	assert.True(t, ok)

	now = now.Add(30 * time.Minute)
	ok, _ = store.ShouldDispatch(ctx, "alice", "post")
	assert.False(t, ok, "still inside the horizon")

	now = now.Add(31 * time.Minute)
	ok, _ = store.ShouldDispatch(ctx, "alice", "post")
	assert.True(t, ok, "past the horizon the pair dispatches again")
}

func TestMemoryStoreEntryCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour, 10)

	for i := 0; i < 25; i++ {
		ok, err := store.ShouldDispatch(ctx, "alice", fmt.Sprintf("post-%d", i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, store.Len(), 10)

	// the oldest entries were evicted, so they dispatch again
	ok, _ := store.ShouldDispatch(ctx, "alice", "post-0")
	assert.True(t, ok)
}
