//go:build integration

package session

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisAddr() string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func setupRedisStore(t *testing.T) *RedisStore {
	opts := &redis.Options{Addr: getRedisAddr()}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", opts.Addr, err)
	}
	client.Close()

	store, err := NewRedisStore(RedisStoreConfig{Addr: opts.Addr})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Flush(context.Background())
		store.Close()
	})
	return store
}

func TestRedisStoreSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t)

	snap := Snapshot{ClientID: "c1", CleanSession: false}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t)

	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "a"}))
	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "b"}))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
