package session

import (
	"time"

	"github.com/edgecore/mqttedge/packet"
	"github.com/edgecore/mqttedge/topic"
)

// Snapshot is the durable projection of a Session: enough to restore
// subscription membership and the offline queue across a restart.
// In-flight QoS 1/2 handshake state (waitingToBeAcked, waitingToBeReleased,
// waitingToBeCompleted) is deliberately not snapshotted — a restart loses
// in-flight deliveries, which a client discovers and repairs itself by
// re-subscribing and relying on QoS redelivery after reconnect.
type Snapshot struct {
	ClientID       string
	CleanSession   bool
	ExpiryInterval uint32
	CreatedAt      time.Time
	Subscriptions  []topic.Subscription
	QueuedPublish  []QueuedSnapshotPublish
}

// QueuedSnapshotPublish is one entry of a Snapshot's offline queue.
type QueuedSnapshotPublish struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// ToSnapshot projects a live Session into its durable form.
func (s *Session) ToSnapshot() Snapshot {
	subs := make([]topic.Subscription, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		subs = append(subs, *sub)
	}
	queued := make([]QueuedSnapshotPublish, 0, len(s.waitingToBeSent))
	for _, pub := range s.waitingToBeSent {
		queued = append(queued, QueuedSnapshotPublish{
			Topic: pub.Topic, QoS: byte(pub.QoS), Retain: pub.Retain, Payload: pub.Payload,
		})
	}
	return Snapshot{
		ClientID:       s.ClientID,
		CleanSession:   s.CleanSession,
		ExpiryInterval: s.ExpiryInterval,
		CreatedAt:      s.CreatedAt,
		Subscriptions:  subs,
		QueuedPublish:  queued,
	}
}

// FromSnapshot rebuilds a Session from its durable form, resuming in the
// Offline state (the client is, by definition, not currently connected
// if we are loading from disk).
func FromSnapshot(snap Snapshot) *Session {
	s := New(snap.ClientID, snap.CleanSession, snap.ExpiryInterval)
	s.CreatedAt = snap.CreatedAt
	s.State = StateOffline
	s.DisconnectedAt = time.Now()
	for i := range snap.Subscriptions {
		sub := snap.Subscriptions[i]
		s.Subscriptions[sub.TopicFilter] = &sub
	}
	for _, q := range snap.QueuedPublish {
		s.waitingToBeSent = append(s.waitingToBeSent, toPublication(q))
	}
	return s
}

func toPublication(q QueuedSnapshotPublish) packet.Publication {
	return packet.Publication{
		Topic:   q.Topic,
		QoS:     packet.QoS(q.QoS),
		Retain:  q.Retain,
		Payload: q.Payload,
	}
}
