package ringbuffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRing(t *testing.T, capacity uint64) *RingBuffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Open(path, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	return rb
}

func TestInsertAndReadRoundTrip(t *testing.T) {
	rb := openTestRing(t, 4096)

	_, err := rb.Insert([]byte("hello"))
	require.NoError(t, err)
	_, err = rb.Insert([]byte("world"))
	require.NoError(t, err)

	entries, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", string(entries[0].Data))
	assert.Equal(t, "world", string(entries[1].Data))
}

func TestReadDoesNotConsume(t *testing.T) {
	rb := openTestRing(t, 4096)
	_, err := rb.Insert([]byte("a"))
	require.NoError(t, err)

	first, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := rb.Read(10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRemoveReclaimsSpace(t *testing.T) {
	rb := openTestRing(t, 4096)
	_, err := rb.Insert([]byte("a"))
	require.NoError(t, err)

	entries, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	before := rb.Len()
	require.NoError(t, rb.Remove(entries[0].Key))
	assert.Less(t, rb.Len(), before)
	assert.Zero(t, rb.Len())
}

func TestRemoveOutOfOrderRejected(t *testing.T) {
	rb := openTestRing(t, 4096)
	_, err := rb.Insert([]byte("a"))
	require.NoError(t, err)
	_, err = rb.Insert([]byte("b"))
	require.NoError(t, err)

	entries, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	err = rb.Remove(entries[1].Key)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestInsertBlockTooLarge(t *testing.T) {
	rb := openTestRing(t, 32)
	_, err := rb.Insert(make([]byte, 64))
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestInsertRingFull(t *testing.T) {
	rb := openTestRing(t, 64)
	_, err := rb.Insert(make([]byte, 20))
	require.NoError(t, err)
	_, err = rb.Insert(make([]byte, 20))
	assert.ErrorIs(t, err, ErrRingFull)
}

func TestBatchInsertAssignsAllKeys(t *testing.T) {
	rb := openTestRing(t, 4096)
	keys, err := rb.Batch([][]byte{[]byte("1"), []byte("2"), []byte("3")})
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	entries, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestWrapsAroundWhenTailTooSmall(t *testing.T) {
	rb := openTestRing(t, 80)

	_, err := rb.Insert(make([]byte, 10))
	require.NoError(t, err)
	first, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, rb.Remove(first[0].Key))

	_, err = rb.Insert(make([]byte, 10))
	require.NoError(t, err)
	_, err = rb.Insert(make([]byte, 10))
	require.NoError(t, err)

	entries, err := rb.Read(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecoverReplaysUnremovedBlocksAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Open(path, 4096)
	require.NoError(t, err)

	_, err = rb.Insert([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 4096)
	require.NoError(t, err)
	defer rb2.Close()

	entries, err := rb2.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", string(entries[0].Data))
}

func TestRecoverSkipsRemovedBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Open(path, 4096)
	require.NoError(t, err)

	gone, err := rb.Insert([]byte("gone"))
	require.NoError(t, err)
	read, err := rb.Read(10)
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.NoError(t, rb.Remove(gone))

	_, err = rb.Insert([]byte("kept"))
	require.NoError(t, err)
	require.NoError(t, rb.Close())

	rb2, err := Open(path, 4096)
	require.NoError(t, err)
	defer rb2.Close()

	entries, err := rb2.Read(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", string(entries[0].Data))
}
