package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	snap := Snapshot{ClientID: "c1", CleanSession: false}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)

	exists, err := store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "a"}))
	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "b"}))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestMemoryStoreRejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	err := store.Save(ctx, Snapshot{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.Close()
	assert.ErrorIs(t, err, ErrStoreClosed)
}
