// Package session implements the broker's per-client session state
// machine: subscription membership, in-flight QoS bookkeeping, and the
// offline message queue, plus a persistence sink for surviving restarts.
package session

import (
	"time"

	"github.com/edgecore/mqttedge/packet"
	"github.com/edgecore/mqttedge/packet/idpool"
	"github.com/edgecore/mqttedge/topic"
)

// State is where a session sits in its lifecycle.
type State byte

const (
	// StateTransient is a clean-session client: no state survives
	// disconnect, and the session is destroyed the moment the
	// connection drops.
	StateTransient State = iota
	// StatePersistent is a non-clean-session client that is currently
	// connected.
	StatePersistent
	// StateOffline is a persistent session whose client is disconnected;
	// it keeps accumulating waitingToBeSent until the client returns or
	// the session expires.
	StateOffline
	// StateDisconnecting names a session mid-teardown. No code in this
	// module sets it: disconnect moves a session to Offline or removes
	// it, and a takeover resumes it as Persistent or Transient.
	StateDisconnecting
)

// WillMessage is the payload to publish on ungraceful disconnect.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoS
	Retain  bool
}

// PendingPublish is one in-flight QoS 1/2 publication, keyed by packet
// identifier in one of a Session's waiting maps.
type PendingPublish struct {
	Publication packet.Publication
	PacketID    uint16
	DUP         bool
	QueuedAt    time.Time
}

// Session is the broker's complete bookkeeping for one ClientId: what it
// is subscribed to, and what is in flight for it at each stage of the
// QoS 1/2 handshake. The broker's single event-loop goroutine is the
// sole owner and mutator of a Session, so it carries no lock.
type Session struct {
	ClientID     string
	CleanSession bool
	State        State

	CreatedAt      time.Time
	LastActiveAt   time.Time
	DisconnectedAt time.Time
	ExpiryInterval uint32 // seconds; 0 with CleanSession=false means never expires

	Will *WillMessage

	Subscriptions map[string]*topic.Subscription // topic filter -> subscription

	// waitingToBeSent holds publications not yet handed to the
	// connection handler: built up while the session is offline, or
	// while the connection's write side is backpressured.
	waitingToBeSent []packet.Publication

	// waitingToBeAckedQoS0 holds QoS 0 publications handed to the
	// connection handler but not yet confirmed flushed to the socket;
	// used only to preserve publish ordering across a reconnect, never
	// retransmitted.
	waitingToBeAckedQoS0 []packet.Publication

	// waitingToBeAcked holds publications sent to the client awaiting
	// their first acknowledgement: QoS 1 awaiting PUBACK and QoS 2
	// awaiting PUBREC share this map.
	waitingToBeAcked map[uint16]*PendingPublish

	// waitingToBeReleased holds QoS 2 publications received FROM the
	// client (PUBREC already sent), awaiting the client's PUBREL.
	waitingToBeReleased map[uint16]*PendingPublish

	// waitingToBeCompleted holds QoS 2 publications sent TO the client,
	// PUBREL already sent after its PUBREC, awaiting PUBCOMP.
	waitingToBeCompleted map[uint16]*PendingPublish

	// outgoingIDs allocates packet identifiers for publications this
	// session sends to the client (QoS 1 and QoS 2 share one id space).
	outgoingIDs idpool.Pool

	// incomingQoS2 marks packet identifiers currently mid-handshake for
	// QoS 2 publications received from the client, mirroring the keys
	// of waitingToBeReleased as a bitset for O(1) duplicate detection.
	incomingQoS2 idpool.Pool
}

// New creates a fresh session for clientID. cleanSession selects
// Transient vs Persistent; expiryInterval is only meaningful for
// persistent sessions.
func New(clientID string, cleanSession bool, expiryInterval uint32) *Session {
	now := time.Now()
	state := StatePersistent
	if cleanSession {
		state = StateTransient
	}
	return &Session{
		ClientID:              clientID,
		CleanSession:          cleanSession,
		State:                 state,
		CreatedAt:             now,
		LastActiveAt:          now,
		ExpiryInterval:        expiryInterval,
		Subscriptions:        make(map[string]*topic.Subscription),
		waitingToBeAcked:     make(map[uint16]*PendingPublish),
		waitingToBeReleased:  make(map[uint16]*PendingPublish),
		waitingToBeCompleted: make(map[uint16]*PendingPublish),
	}
}

// Touch records client activity, resetting the idle clock used for
// keep-alive expiry.
func (s *Session) Touch() { s.LastActiveAt = time.Now() }

// GoOffline transitions a persistent session to Offline on disconnect,
// recording when so IsExpired can later apply ExpiryInterval.
func (s *Session) GoOffline() {
	s.State = StateOffline
	s.DisconnectedAt = time.Now()
}

// IsExpired reports whether an offline persistent session has outlived
// its ExpiryInterval. Transient sessions are never "expired" by this
// check; they are torn down synchronously on disconnect instead.
func (s *Session) IsExpired(now time.Time) bool {
	if s.State != StateOffline || s.ExpiryInterval == 0 {
		return false
	}
	return now.Sub(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
}

// ShouldPublishWill reports whether the will message should fire given
// the disconnect just observed was not a clean DISCONNECT.
func (s *Session) ShouldPublishWill(graceful bool) bool {
	return s.Will != nil && !graceful
}

// AddSubscription installs or replaces a subscription by filter.
func (s *Session) AddSubscription(sub *topic.Subscription) {
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription removes a subscription by filter, reporting whether
// one existed.
func (s *Session) RemoveSubscription(filter string) bool {
	if _, ok := s.Subscriptions[filter]; !ok {
		return false
	}
	delete(s.Subscriptions, filter)
	return true
}

// Reset clears all subscription and in-flight state, used on a clean-
// start CONNECT that reuses an existing ClientId.
func (s *Session) Reset() {
	s.Subscriptions = make(map[string]*topic.Subscription)
	s.waitingToBeSent = nil
	s.waitingToBeAckedQoS0 = nil
	s.waitingToBeAcked = make(map[uint16]*PendingPublish)
	s.waitingToBeReleased = make(map[uint16]*PendingPublish)
	s.waitingToBeCompleted = make(map[uint16]*PendingPublish)
	s.outgoingIDs.Reset()
	s.incomingQoS2.Reset()
	s.Will = nil
}

// QueueForSend appends a publication to the offline/backpressure queue.
// The caller is responsible for enforcing any queue-depth bound before
// calling this (spec's offline-queue bound is a broker-core policy, not
// a Session invariant).
func (s *Session) QueueForSend(pub packet.Publication) {
	s.waitingToBeSent = append(s.waitingToBeSent, pub)
}

// QueueDepth returns the number of publications waiting to be sent.
func (s *Session) QueueDepth() int { return len(s.waitingToBeSent) }

// QueueSizeBytes returns the total payload bytes currently queued,
// used to enforce a byte-size bound alongside QueueDepth's count bound.
func (s *Session) QueueSizeBytes() int {
	n := 0
	for _, p := range s.waitingToBeSent {
		n += len(p.Payload)
	}
	return n
}

// DropOldestQueued removes and returns the oldest queued publication,
// for the broker's DropOld offline-queue-full policy. Reports false if
// the queue is empty.
func (s *Session) DropOldestQueued() (packet.Publication, bool) {
	if len(s.waitingToBeSent) == 0 {
		return packet.Publication{}, false
	}
	p := s.waitingToBeSent[0]
	s.waitingToBeSent = s.waitingToBeSent[1:]
	return p, true
}

// DrainQueue removes and returns every queued publication, in FIFO
// order, for replay once the client reconnects.
func (s *Session) DrainQueue() []packet.Publication {
	q := s.waitingToBeSent
	s.waitingToBeSent = nil
	return q
}

// TrackQoS0Sent records a QoS 0 publication as handed to the connection
// handler, preserving send order across a reconnect.
func (s *Session) TrackQoS0Sent(pub packet.Publication) {
	s.waitingToBeAckedQoS0 = append(s.waitingToBeAckedQoS0, pub)
}

// ConfirmQoS0Flushed clears the QoS 0 in-flight record once the
// connection handler confirms the socket write succeeded.
func (s *Session) ConfirmQoS0Flushed(n int) {
	if n >= len(s.waitingToBeAckedQoS0) {
		s.waitingToBeAckedQoS0 = nil
		return
	}
	s.waitingToBeAckedQoS0 = s.waitingToBeAckedQoS0[n:]
}

// PendingQoS0 returns every QoS 0 publication handed to the connection
// handler but not yet confirmed flushed, for replay (without a DUP flag)
// on reconnect.
func (s *Session) PendingQoS0() []packet.Publication {
	out := make([]packet.Publication, len(s.waitingToBeAckedQoS0))
	copy(out, s.waitingToBeAckedQoS0)
	return out
}

// SendQoS1 allocates a packet identifier and records pub as in flight,
// returning the identifier to stamp onto the outbound PUBLISH.
func (s *Session) SendQoS1(pub packet.Publication) (uint16, error) {
	id, err := s.outgoingIDs.Reserve()
	if err != nil {
		return 0, err
	}
	s.waitingToBeAcked[id] = &PendingPublish{Publication: pub, PacketID: id, QueuedAt: time.Now()}
	return id, nil
}

// HandlePuback completes a QoS 1 publish, freeing its packet identifier.
// Reports whether a matching in-flight publish was found.
func (s *Session) HandlePuback(id uint16) bool {
	if _, ok := s.waitingToBeAcked[id]; !ok {
		return false
	}
	delete(s.waitingToBeAcked, id)
	s.outgoingIDs.Release(id)
	return true
}

// PendingQoS1 returns every entry of waitingToBeAcked (QoS 1 publishes
// awaiting PUBACK and QoS 2 publishes awaiting PUBREC alike), for
// redelivery with DUP=1 after a reconnect.
func (s *Session) PendingQoS1() []*PendingPublish {
	out := make([]*PendingPublish, 0, len(s.waitingToBeAcked))
	for _, p := range s.waitingToBeAcked {
		out = append(out, p)
	}
	return out
}

// SendQoS2 allocates a packet identifier and records pub as in flight,
// awaiting the client's PUBREC.
func (s *Session) SendQoS2(pub packet.Publication) (uint16, error) {
	id, err := s.outgoingIDs.Reserve()
	if err != nil {
		return 0, err
	}
	s.waitingToBeAcked[id] = &PendingPublish{Publication: pub, PacketID: id, QueuedAt: time.Now()}
	return id, nil
}

// HandlePubrec moves a QoS 2 outbound publish from awaiting-PUBREC to
// awaiting-PUBCOMP. Reports whether a matching publish was found.
func (s *Session) HandlePubrec(id uint16) bool {
	p, ok := s.waitingToBeAcked[id]
	if !ok {
		// A PUBREC for an id with no pending send is a retransmit of an
		// already-acknowledged round; the PUBREL reply is idempotent.
		_, completing := s.waitingToBeCompleted[id]
		return completing
	}
	delete(s.waitingToBeAcked, id)
	s.waitingToBeCompleted[id] = p
	return true
}

// HandlePubcomp completes a QoS 2 outbound publish, freeing its packet
// identifier. Reports whether a matching in-flight publish was found.
func (s *Session) HandlePubcomp(id uint16) bool {
	if _, ok := s.waitingToBeCompleted[id]; !ok {
		return false
	}
	delete(s.waitingToBeCompleted, id)
	s.outgoingIDs.Release(id)
	return true
}

// PendingQoS2 returns the outbound publishes awaiting PUBREC and those
// awaiting PUBCOMP. awaitingPubrec is all of waitingToBeAcked, so it
// also holds QoS 1 publishes awaiting PUBACK. In the relative order the spec
// requires for replay: unacknowledged QoS 2 PUBLISH packets are resent
// with DUP=1 before any PUBREL packets for already-PUBREC'd ids.
func (s *Session) PendingQoS2() (awaitingPubrec, awaitingPubcomp []*PendingPublish) {
	for _, p := range s.waitingToBeAcked {
		awaitingPubrec = append(awaitingPubrec, p)
	}
	for _, p := range s.waitingToBeCompleted {
		awaitingPubcomp = append(awaitingPubcomp, p)
	}
	return
}

// ReceiveQoS2 records an inbound QoS 2 publish as awaiting the sender's
// PUBREL. Reports false if id is already mid-handshake (a retransmitted
// duplicate PUBLISH, which the caller should still PUBREC but not
// redeliver downstream).
func (s *Session) ReceiveQoS2(id uint16, pub packet.Publication) bool {
	if _, dup := s.waitingToBeReleased[id]; dup {
		return false
	}
	s.waitingToBeReleased[id] = &PendingPublish{Publication: pub, PacketID: id, QueuedAt: time.Now()}
	s.incomingQoS2.Mark(id)
	return true
}

// HandlePubrel completes the receiver side of a QoS 2 handshake,
// returning the publication to deliver downstream. Reports false if id
// was not awaiting release (a stray or duplicate PUBREL).
func (s *Session) HandlePubrel(id uint16) (packet.Publication, bool) {
	p, ok := s.waitingToBeReleased[id]
	if !ok {
		return packet.Publication{}, false
	}
	delete(s.waitingToBeReleased, id)
	s.incomingQoS2.Release(id)
	return p.Publication, true
}

// InFlightCount returns the total number of QoS 1/2 publications
// currently tracked in any waiting structure, used for ReceiveMaximum
// enforcement.
func (s *Session) InFlightCount() int {
	return len(s.waitingToBeAcked) + len(s.waitingToBeCompleted) + len(s.waitingToBeReleased)
}
