package topic

import (
	"testing"

	"github.com/edgecore/mqttedge/packet"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionFields(t *testing.T) {
	sub := Subscription{ClientID: "c1", TopicFilter: "a/b", MaxQoS: packet.QoS1}
	assert.Equal(t, "c1", sub.ClientID)
	assert.Equal(t, "a/b", sub.TopicFilter)
	assert.Equal(t, packet.QoS1, sub.MaxQoS)
}

func TestSubscriberInfoFields(t *testing.T) {
	info := SubscriberInfo{ClientID: "c1", MaxQoS: packet.QoS2}
	assert.Equal(t, "c1", info.ClientID)
	assert.Equal(t, packet.QoS2, info.MaxQoS)
}
