package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleStoreSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewPebbleStore(PebbleStoreConfig{Path: filepath.Join(t.TempDir(), "sessions")})
	require.NoError(t, err)
	defer store.Close()

	snap := Snapshot{
		ClientID:      "c1",
		CleanSession:  false,
		QueuedPublish: []QueuedSnapshotPublish{{Topic: "a/b", Payload: []byte("x")}},
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	require.Len(t, got.QueuedPublish, 1)
	assert.Equal(t, "a/b", got.QueuedPublish[0].Topic)

	require.NoError(t, store.Delete(ctx, "c1"))
	_, err = store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	store, err := NewPebbleStore(PebbleStoreConfig{Path: filepath.Join(t.TempDir(), "sessions")})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "a"}))
	require.NoError(t, store.Save(ctx, Snapshot{ClientID: "b"}))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestPebbleStoreRejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	store, err := NewPebbleStore(PebbleStoreConfig{Path: filepath.Join(t.TempDir(), "sessions")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Save(ctx, Snapshot{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
