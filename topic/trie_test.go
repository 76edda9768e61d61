package topic

import (
	"testing"

	"github.com/edgecore/mqttedge/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrieSubscribeMatchExact(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/b/c", SubscriberInfo{ClientID: "c1", MaxQoS: packet.QoS1}))
	subs := tr.Match("a/b/c")
	require.Len(t, subs, 1)
	assert.Equal(t, "c1", subs[0].ClientID)
}

func TestTrieSinglelevelWildcard(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/+/c", SubscriberInfo{ClientID: "c1"}))
	assert.Len(t, tr.Match("a/b/c"), 1)
	assert.Len(t, tr.Match("a/x/c"), 1)
	assert.Len(t, tr.Match("a/b/x/c"), 0)
}

func TestTrieMultilevelWildcard(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/#", SubscriberInfo{ClientID: "c1"}))
	assert.Len(t, tr.Match("a/b"), 1)
	assert.Len(t, tr.Match("a/b/c/d"), 1)
	assert.Len(t, tr.Match("a"), 1)
	assert.Len(t, tr.Match("x/b"), 0)
}

func TestTrieSystemTopicsExcludedFromWildcards(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("#", SubscriberInfo{ClientID: "c1"}))
	require.NoError(t, tr.Subscribe("+/stats", SubscriberInfo{ClientID: "c2"}))
	assert.Len(t, tr.Match("$SYS/stats"), 0)
	assert.Len(t, tr.Match("normal/stats"), 1)
}

func TestTrieResubscribeReplacesQoS(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/b", SubscriberInfo{ClientID: "c1", MaxQoS: packet.QoS0}))
	require.NoError(t, tr.Subscribe("a/b", SubscriberInfo{ClientID: "c1", MaxQoS: packet.QoS2}))
	subs := tr.Match("a/b")
	require.Len(t, subs, 1)
	assert.Equal(t, packet.QoS2, subs[0].MaxQoS)
}

func TestTrieUnsubscribePrunesNodes(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/b/c", SubscriberInfo{ClientID: "c1"}))
	assert.True(t, tr.Unsubscribe("a/b/c", "c1"))
	assert.Equal(t, 0, tr.Count())
	assert.Len(t, tr.root.children, 0)
}

func TestTrieUnsubscribeUnknownReturnsFalse(t *testing.T) {
	tr := NewTrie()
	assert.False(t, tr.Unsubscribe("a/b", "c1"))
}

func TestTrieUnsubscribeAll(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/b", SubscriberInfo{ClientID: "c1"}))
	require.NoError(t, tr.Subscribe("x/y", SubscriberInfo{ClientID: "c1"}))
	require.NoError(t, tr.Subscribe("a/b", SubscriberInfo{ClientID: "c2"}))
	tr.UnsubscribeAll("c1")
	assert.Equal(t, 1, tr.Count())
	assert.Len(t, tr.Match("a/b"), 1)
	assert.Len(t, tr.Match("x/y"), 0)
}

func TestTrieClearAndCount(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Subscribe("a/b", SubscriberInfo{ClientID: "c1"}))
	require.NoError(t, tr.Subscribe("a/c", SubscriberInfo{ClientID: "c2"}))
	assert.Equal(t, 2, tr.Count())
	tr.Clear()
	assert.Equal(t, 0, tr.Count())
}

func TestTrieRejectsInvalidFilter(t *testing.T) {
	tr := NewTrie()
	err := tr.Subscribe("a/#/b", SubscriberInfo{ClientID: "c1"})
	assert.Error(t, err)
}
