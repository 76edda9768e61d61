package topic

import (
	"testing"

	"github.com/edgecore/mqttedge/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterSubscribeAndMatch(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b", MaxQoS: packet.QoS1}))
	subs := r.Match("a/b")
	require.Len(t, subs, 1)
	assert.Equal(t, "c1", subs[0].ClientID)
}

func TestRouterGetSubscription(t *testing.T) {
	r := NewRouter()
	sub := &Subscription{ClientID: "c1", TopicFilter: "a/b", MaxQoS: packet.QoS1}
	require.NoError(t, r.Subscribe(sub))
	got, ok := r.GetSubscription("c1", "a/b")
	require.True(t, ok)
	assert.Equal(t, sub, got)

	_, ok = r.GetSubscription("c1", "x/y")
	assert.False(t, ok)
}

func TestRouterGetClientSubscriptions(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b"}))
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "x/y"}))
	subs := r.GetClientSubscriptions("c1")
	assert.Len(t, subs, 2)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b"}))
	assert.True(t, r.Unsubscribe("c1", "a/b"))
	assert.Len(t, r.Match("a/b"), 0)
	_, ok := r.GetSubscription("c1", "a/b")
	assert.False(t, ok)
}

func TestRouterUnsubscribeAll(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b"}))
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "x/y"}))
	n := r.UnsubscribeAll("c1")
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.CountClients())
}

func TestRouterCountClients(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b"}))
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c2", TopicFilter: "a/b"}))
	assert.Equal(t, 2, r.CountClients())
	assert.Equal(t, 2, r.Count())
}

func TestRouterClear(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Subscribe(&Subscription{ClientID: "c1", TopicFilter: "a/b"}))
	r.Clear()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.CountClients())
}

func TestDeliveryQoSDowngradesNeverUpgrades(t *testing.T) {
	assert.Equal(t, packet.QoS0, DeliveryQoS(packet.QoS1, packet.QoS0))
	assert.Equal(t, packet.QoS0, DeliveryQoS(packet.QoS0, packet.QoS2))
	assert.Equal(t, packet.QoS1, DeliveryQoS(packet.QoS2, packet.QoS1))
	assert.Equal(t, packet.QoS2, DeliveryQoS(packet.QoS2, packet.QoS2))
}
