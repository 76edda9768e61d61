package topic

import "github.com/edgecore/mqttedge/packet"

// Subscription is one (client, topic filter, max QoS) entry tracked by
// the subscription tree. The broker core is the sole owner and mutator
// of the tree, so this type carries no synchronization of its own.
type Subscription struct {
	ClientID    string
	TopicFilter string
	MaxQoS      packet.QoS
}

// SubscriberInfo is what the trie returns on a Match: enough to render
// an outbound PUBLISH at the subscription's granted QoS.
type SubscriberInfo struct {
	ClientID string
	MaxQoS   packet.QoS
}
