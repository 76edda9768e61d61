package retained

import (
	"testing"

	"github.com/edgecore/mqttedge/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetExactTopic(t *testing.T) {
	s := New()
	s.Set("a/b/c", packet.Publication{Topic: "a/b/c", Payload: []byte("v"), QoS: packet.QoS1})
	got, ok := s.Get("a/b/c")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Payload)
}

func TestSetEmptyPayloadDeletes(t *testing.T) {
	s := New()
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: []byte("v")})
	assert.Equal(t, 1, s.Count())
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: nil})
	_, ok := s.Get("a/b")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
}

func TestSetOverwriteDoesNotDoubleCount(t *testing.T) {
	s := New()
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: []byte("1")})
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: []byte("2")})
	assert.Equal(t, 1, s.Count())
	got, _ := s.Get("a/b")
	assert.Equal(t, []byte("2"), got.Payload)
}

func TestDeletePrunesNodes(t *testing.T) {
	s := New()
	s.Set("a/b/c", packet.Publication{Topic: "a/b/c", Payload: []byte("v")})
	s.Delete("a/b/c")
	assert.Equal(t, 0, s.Count())
	assert.Len(t, s.root.children, 0)
}

func TestMatchWildcards(t *testing.T) {
	s := New()
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: []byte("1")})
	s.Set("a/c", packet.Publication{Topic: "a/c", Payload: []byte("2")})
	s.Set("a/b/d", packet.Publication{Topic: "a/b/d", Payload: []byte("3")})

	plus := s.Match("a/+")
	assert.Len(t, plus, 2)

	hash := s.Match("a/#")
	assert.Len(t, hash, 3)
}

func TestMatchSystemTopicsExcludedFromPlusAtRoot(t *testing.T) {
	s := New()
	s.Set("$SYS/uptime", packet.Publication{Topic: "$SYS/uptime", Payload: []byte("1")})
	s.Set("normal/uptime", packet.Publication{Topic: "normal/uptime", Payload: []byte("2")})

	matched := s.Match("+/uptime")
	assert.Len(t, matched, 1)
	assert.Equal(t, "normal/uptime", matched[0].Topic)
}

func TestClear(t *testing.T) {
	s := New()
	s.Set("a/b", packet.Publication{Topic: "a/b", Payload: []byte("1")})
	s.Clear()
	assert.Equal(t, 0, s.Count())
	_, ok := s.Get("a/b")
	assert.False(t, ok)
}
