package idpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveNeverReturnsZero(t *testing.T) {
	var p Pool
	for i := 0; i < 1000; i++ {
		id, err := p.Reserve()
		require.NoError(t, err)
		assert.NotZero(t, id)
	}
}

func TestReserveNeverReusesLiveID(t *testing.T) {
	var p Pool
	seen := make(map[uint16]bool)
	for i := 0; i < 5000; i++ {
		id, err := p.Reserve()
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d reserved twice while still in use", id)
		seen[id] = true
	}
}

func TestReleaseAllowsReuse(t *testing.T) {
	var p Pool
	id, err := p.Reserve()
	require.NoError(t, err)
	p.Release(id)
	assert.False(t, p.InUse(id))

	id2, err := p.Reserve()
	require.NoError(t, err)
	_ = id2
}

func TestExhaustion(t *testing.T) {
	var p Pool
	for i := 0; i < 65535; i++ {
		_, err := p.Reserve()
		require.NoError(t, err)
	}
	_, err := p.Reserve()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestScanWrapsAroundAfterRelease(t *testing.T) {
	var p Pool
	for i := 0; i < 65535; i++ {
		_, err := p.Reserve()
		require.NoError(t, err)
	}
	p.Release(100)
	id, err := p.Reserve()
	require.NoError(t, err)
	assert.Equal(t, uint16(100), id)
}

func TestMarkRejectsInUse(t *testing.T) {
	var p Pool
	assert.True(t, p.Mark(5))
	assert.False(t, p.Mark(5))
	p.Release(5)
	assert.True(t, p.Mark(5))
}

func TestMarkRejectsZero(t *testing.T) {
	var p Pool
	assert.False(t, p.Mark(0))
}
