// Package broker implements the broker core (C6): a single-threaded
// cooperative event loop that owns the session map, the retained store
// and the subscription tree, and applies authentication/authorization
// at the boundary. It has no socket of its own; connection handlers
// feed it InboundEvents and drain the OutboundEvents it enqueues back
// onto each Conn.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgecore/mqttedge/packet"
	"github.com/edgecore/mqttedge/retained"
	"github.com/edgecore/mqttedge/session"
	"github.com/edgecore/mqttedge/topic"
)

// QueuePolicy selects what happens when a session's offline queue would
// exceed its configured bound.
type QueuePolicy byte

const (
	// DropNew discards the publication that would overflow the queue.
	DropNew QueuePolicy = iota
	// DropOld evicts the oldest queued publication to make room.
	DropOld
)

// QueueConfig bounds a session's offline/backpressure publication
// queue. Zero values mean unbounded.
type QueueConfig struct {
	MaxLen  int
	MaxSize int
	Policy  QueuePolicy
}

// Config configures a Broker.
type Config struct {
	Authenticator Authenticator
	Authorizer    Authorizer // optional; nil means every Activity is allowed

	Sessions *session.Manager
	Retained *retained.Store
	Router   *topic.Router

	Queue QueueConfig
	// MaxInflight bounds per-session concurrent QoS 1/2 deliveries; 0
	// means unbounded.
	MaxInflight int
	// SessionExpiryInterval is applied to every non-clean CONNECT; 0
	// means a persistent session never expires while offline.
	SessionExpiryInterval uint32
	// HousekeepingEvery is how often ExpireOffline and metric gauges
	// run; defaults to 30s.
	HousekeepingEvery time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Broker is the broker core. A Broker value owns all mutable broker
// state; nothing here is global.
type Broker struct {
	authn Authenticator
	authz Authorizer

	sessions *session.Manager
	retained *retained.Store
	router   *topic.Router

	queue                 QueueConfig
	maxInflight           int
	sessionExpiryInterval uint32
	housekeepingEvery     time.Duration

	log     *slog.Logger
	metrics *Metrics

	inbound chan InboundEvent

	// clientConns is the currently-connected Conn for each live
	// ClientID; connClients is its reverse index. Both are mutated only
	// from the event loop goroutine.
	clientConns map[string]Conn
	connClients map[Conn]string
}

// New builds a Broker from cfg, applying defaults for zero-valued
// fields.
func New(cfg Config) *Broker {
	if cfg.HousekeepingEvery <= 0 {
		cfg.HousekeepingEvery = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = AllowAllAuthenticator{}
	}
	b := &Broker{
		authn:                 cfg.Authenticator,
		authz:                 cfg.Authorizer,
		sessions:              cfg.Sessions,
		retained:              cfg.Retained,
		router:                cfg.Router,
		queue:                 cfg.Queue,
		maxInflight:           cfg.MaxInflight,
		sessionExpiryInterval: cfg.SessionExpiryInterval,
		housekeepingEvery:     cfg.HousekeepingEvery,
		log:                   cfg.Logger,
		metrics:               cfg.Metrics,
		inbound:               make(chan InboundEvent, 256),
		clientConns:           make(map[string]Conn),
		connClients:           make(map[Conn]string),
	}
	return b
}

// Submit enqueues an inbound event for the event loop. The caller is
// responsible for serializing its own Conn's events so that per-
// connection ordering is preserved end to end.
func (b *Broker) Submit(event InboundEvent) { b.inbound <- event }

// Run drives the event loop until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.housekeepingEvery)
	defer ticker.Stop()

	for {
		select {
		case ev := <-b.inbound:
			b.handle(ctx, ev)
		case <-ticker.C:
			b.housekeeping(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown gracefully disconnects every connected client (no wills,
// matching a clean DISCONNECT) and snapshots their sessions. Intended
// for an orderly broker exit, called after Run's context is cancelled.
func (b *Broker) Shutdown(ctx context.Context) {
	for conn, clientID := range b.connClients {
		conn.Enqueue(OutboundEvent{Kind: OutClose, CloseReason: "server shutting down"})
		delete(b.connClients, conn)
		delete(b.clientConns, clientID)
		if _, _, err := b.sessions.Disconnect(ctx, clientID, true); err != nil {
			b.log.Error("shutdown session snapshot failed", "client_id", clientID, "error", err)
		}
	}
}

func (b *Broker) handle(ctx context.Context, ev InboundEvent) {
	switch ev.Kind {
	case InConnect:
		b.handleConnect(ctx, ev)
	case InPublish:
		b.handlePublish(ev)
	case InPuback:
		b.handlePuback(ev)
	case InPubrec:
		b.handlePubrec(ev)
	case InPubrel:
		b.handlePubrel(ev)
	case InPubcomp:
		b.handlePubcomp(ev)
	case InSubscribe:
		b.handleSubscribe(ev)
	case InUnsubscribe:
		b.handleUnsubscribe(ev)
	case InPingreq:
		b.handlePingreq(ev)
	case InDisconnect:
		b.handleDisconnect(ctx, ev)
	case InConnectionLost:
		b.handleConnectionLost(ctx, ev)
	}
}

func (b *Broker) handleConnect(ctx context.Context, ev InboundEvent) {
	c := ev.Connect

	if _, already := b.connClients[ev.Conn]; already {
		b.closeConn(ev.Conn, "second CONNECT on an established connection")
		return
	}

	clientID := c.ClientID
	if clientID == "" {
		id, err := b.sessions.GenerateClientID(ctx)
		if err != nil {
			b.log.Error("client identifier generation failed", "error", err)
			b.closeConn(ev.Conn, "client identifier space exhausted")
			return
		}
		clientID = id
	}

	decision := b.authn.Authenticate(Credentials{
		ClientID: clientID, Username: c.Username, Password: c.Password, PeerAddr: ev.PeerAddr,
	})
	if decision.Outcome != AuthAllowed {
		ev.Conn.Enqueue(OutboundEvent{Kind: OutConnack, Connack: &packet.Connack{ReturnCode: packet.ConnackNotAuthorized}})
		b.closeConn(ev.Conn, "authentication: "+decision.Reason)
		return
	}

	if b.authz != nil {
		if d := b.authz.Authorize(Activity{Kind: ActivityConnect, AuthID: decision.AuthID}); d.Outcome != AuthAllowed {
			ev.Conn.Enqueue(OutboundEvent{Kind: OutConnack, Connack: &packet.Connack{ReturnCode: packet.ConnackNotAuthorized}})
			b.closeConn(ev.Conn, "authorization: "+d.Reason)
			return
		}
	}

	// Graceful takeover: drop the reverse index for the superseded Conn
	// before closing it, so its eventual InConnectionLost finds no
	// session and its will is not published.
	if oldConn, live := b.clientConns[clientID]; live {
		delete(b.connClients, oldConn)
		oldConn.Enqueue(OutboundEvent{Kind: OutClose, CloseReason: "session taken over by a new connection"})
		if b.metrics != nil {
			b.metrics.ActiveConnections.Dec()
		}
	}

	sess, sessionPresent, err := b.sessions.CreateOrResume(ctx, clientID, c.CleanSession, b.sessionExpiryInterval)
	if err != nil {
		b.log.Error("session resume failed", "client_id", clientID, "error", err)
		b.closeConn(ev.Conn, "session store error")
		return
	}

	if c.WillFlag {
		sess.Will = &session.WillMessage{Topic: c.WillTopic, Payload: c.WillPayload, QoS: c.WillQoS, Retain: c.WillRetain}
	} else {
		sess.Will = nil
	}
	sess.Touch()

	b.clientConns[clientID] = ev.Conn
	b.connClients[ev.Conn] = clientID
	if b.metrics != nil {
		b.metrics.ActiveConnections.Inc()
	}

	ev.Conn.Enqueue(OutboundEvent{Kind: OutConnack, Connack: &packet.Connack{SessionPresent: sessionPresent, ReturnCode: packet.ConnackAccepted}})
	b.replayOnlineTransition(sess, ev.Conn)
}

// replayOnlineTransition re-delivers everything a resumed session was
// owed, in the order spec.md §4.3 requires: in-flight sends (dup=1),
// unconfirmed QoS 0 sends (no dup), PUBREL for anything awaiting
// PUBCOMP, then the offline queue.
func (b *Broker) replayOnlineTransition(sess *session.Session, conn Conn) {
	for _, p := range sess.PendingQoS1() {
		conn.Enqueue(OutboundEvent{Kind: OutPublish, Publish: p.Publication.ToPublish(p.PacketID, true)})
	}
	for _, pub := range sess.PendingQoS0() {
		conn.Enqueue(OutboundEvent{Kind: OutPublish, Publish: pub.ToPublish(0, false)})
	}
	_, awaitingPubcomp := sess.PendingQoS2()
	for _, p := range awaitingPubcomp {
		conn.Enqueue(OutboundEvent{Kind: OutPubrel, Ack: &packet.PacketIDAck{Type: packet.PUBREL, PacketID: p.PacketID}})
	}
	for _, pub := range sess.DrainQueue() {
		b.deliverToSession(sess, pub)
	}
}

func (b *Broker) handlePublish(ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	sess, ok := b.sessions.Get(clientID)
	if !ok {
		return
	}
	p := ev.Publish

	if b.authz != nil {
		if d := b.authz.Authorize(Activity{Kind: ActivityPublish, AuthID: clientID, Topic: p.Topic, QoS: p.QoS, Retain: p.Retain}); d.Outcome != AuthAllowed {
			// MQTT 3.1.1 has no PUBACK-with-failure; deny by silent drop
			// plus disconnect, per spec.md §7.
			b.closeConn(ev.Conn, "publish denied: "+d.Reason)
			return
		}
	}

	if b.metrics != nil {
		b.metrics.PacketsReceived.Inc()
	}

	pub := packet.FromPublish(p)

	if p.QoS == packet.QoS2 {
		fresh := sess.ReceiveQoS2(p.PacketID, pub)
		if !fresh && !p.DUP {
			b.closeConn(ev.Conn, "duplicate QoS 2 packet identifier without DUP")
			return
		}
		ev.Conn.Enqueue(OutboundEvent{Kind: OutPubrec, Ack: &packet.PacketIDAck{Type: packet.PUBREC, PacketID: p.PacketID}})
		return
	}

	if p.QoS == packet.QoS1 {
		ev.Conn.Enqueue(OutboundEvent{Kind: OutPuback, Ack: &packet.PacketIDAck{Type: packet.PUBACK, PacketID: p.PacketID}})
	}

	b.route(pub)
}

func (b *Broker) handlePubrel(ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	sess, ok := b.sessions.Get(clientID)
	if !ok {
		return
	}
	if pub, found := sess.HandlePubrel(ev.Ack.PacketID); found {
		b.route(pub)
	}
	ev.Conn.Enqueue(OutboundEvent{Kind: OutPubcomp, Ack: &packet.PacketIDAck{Type: packet.PUBCOMP, PacketID: ev.Ack.PacketID}})
}

func (b *Broker) handlePuback(ev InboundEvent) {
	sess, ok := b.sessionFor(ev.Conn)
	if !ok {
		return
	}
	sess.HandlePuback(ev.Ack.PacketID)
	b.drainQueued(sess)
}

func (b *Broker) handlePubrec(ev InboundEvent) {
	sess, ok := b.sessionFor(ev.Conn)
	if !ok {
		return
	}
	sess.HandlePubrec(ev.Ack.PacketID)
	ev.Conn.Enqueue(OutboundEvent{Kind: OutPubrel, Ack: &packet.PacketIDAck{Type: packet.PUBREL, PacketID: ev.Ack.PacketID}})
}

func (b *Broker) handlePubcomp(ev InboundEvent) {
	sess, ok := b.sessionFor(ev.Conn)
	if !ok {
		return
	}
	sess.HandlePubcomp(ev.Ack.PacketID)
	b.drainQueued(sess)
}

func (b *Broker) handleSubscribe(ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	sess, ok := b.sessions.Get(clientID)
	if !ok {
		return
	}

	s := ev.Subscribe
	codes := make([]packet.SubackReturnCode, len(s.Filters))
	accepted := make([]*topic.Subscription, 0, len(s.Filters))

	for i, f := range s.Filters {
		if err := topic.ValidateTopicFilter(f.Filter); err != nil {
			codes[i] = packet.SubackFailure
			continue
		}
		if b.authz != nil {
			if d := b.authz.Authorize(Activity{Kind: ActivitySubscribe, AuthID: clientID, Topic: f.Filter, QoS: f.MaxQoS}); d.Outcome != AuthAllowed {
				codes[i] = packet.SubackFailure
				continue
			}
		}
		sub := &topic.Subscription{ClientID: clientID, TopicFilter: f.Filter, MaxQoS: f.MaxQoS}
		if err := b.router.Subscribe(sub); err != nil {
			codes[i] = packet.SubackFailure
			continue
		}
		sess.AddSubscription(sub)
		codes[i] = packet.SubackReturnCode(f.MaxQoS)
		accepted = append(accepted, sub)
	}

	ev.Conn.Enqueue(OutboundEvent{Kind: OutSuback, Suback: &packet.Suback{PacketID: s.PacketID, ReturnCodes: codes}})

	for _, sub := range accepted {
		for _, msg := range b.retained.Match(sub.TopicFilter) {
			deliverPub := msg
			deliverPub.QoS = topic.DeliveryQoS(msg.QoS, sub.MaxQoS)
			deliverPub.Retain = true
			b.deliverToSession(sess, deliverPub)
		}
	}
}

func (b *Broker) handleUnsubscribe(ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	sess, ok := b.sessions.Get(clientID)
	if !ok {
		return
	}
	u := ev.Unsubscribe
	for _, f := range u.Filters {
		b.router.Unsubscribe(clientID, f)
		sess.RemoveSubscription(f)
	}
	ev.Conn.Enqueue(OutboundEvent{Kind: OutUnsuback, Unsub: &packet.Unsuback{PacketID: u.PacketID}})
}

func (b *Broker) handlePingreq(ev InboundEvent) {
	ev.Conn.Enqueue(OutboundEvent{Kind: OutPingresp})
}

// handleDisconnect is a graceful, client-initiated DISCONNECT: the will
// is cleared before teardown, per spec.md §4.4.
func (b *Broker) handleDisconnect(ctx context.Context, ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	delete(b.connClients, ev.Conn)
	delete(b.clientConns, clientID)

	if sess, ok := b.sessions.Get(clientID); ok {
		b.router.UnsubscribeAll(clientID)
		sess.Will = nil
	}
	if _, _, err := b.sessions.Disconnect(ctx, clientID, true); err != nil {
		b.log.Error("disconnect", "client_id", clientID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.ActiveConnections.Dec()
	}
}

// handleConnectionLost is an abrupt teardown: socket reset, protocol
// error, or keep-alive timeout. The will fires unless this Conn was
// already superseded by a takeover.
func (b *Broker) handleConnectionLost(ctx context.Context, ev InboundEvent) {
	clientID, ok := b.connClients[ev.Conn]
	if !ok {
		return
	}
	delete(b.connClients, ev.Conn)
	delete(b.clientConns, clientID)

	if _, ok := b.sessions.Get(clientID); ok {
		b.router.UnsubscribeAll(clientID)
	}

	shouldPublishWill, will, err := b.sessions.Disconnect(ctx, clientID, false)
	if err != nil {
		b.log.Error("disconnect", "client_id", clientID, "error", err)
	}
	if shouldPublishWill && will != nil {
		b.route(packet.Publication{Topic: will.Topic, QoS: will.QoS, Retain: will.Retain, Payload: will.Payload})
	}
	if b.metrics != nil {
		b.metrics.ActiveConnections.Dec()
	}
}

// route applies a Publication's retain side effect and delivers it to
// every matching subscriber exactly once, at the maximum of that
// client's matching subscriptions' downgraded QoS.
func (b *Broker) route(pub packet.Publication) {
	if pub.Retain {
		b.retained.Set(pub.Topic, pub)
		if b.metrics != nil {
			b.metrics.RetainedCount.Set(float64(b.retained.Count()))
		}
	}

	best := make(map[string]packet.QoS)
	for _, sub := range b.router.Match(pub.Topic) {
		qos := topic.DeliveryQoS(pub.QoS, sub.MaxQoS)
		if cur, ok := best[sub.ClientID]; !ok || qos > cur {
			best[sub.ClientID] = qos
		}
	}
	for clientID, qos := range best {
		sess, ok := b.sessions.Get(clientID)
		if !ok {
			continue
		}
		deliverPub := pub
		deliverPub.QoS = qos
		b.deliverToSession(sess, deliverPub)
	}
	if b.metrics != nil && len(best) > 0 {
		b.metrics.PublishesRouted.Inc()
	}
}

// deliverToSession hands pub to sess's live connection if one exists
// and the session's inflight gate permits it, otherwise enqueues it to
// the offline/backpressure queue.
func (b *Broker) deliverToSession(sess *session.Session, pub packet.Publication) {
	conn, connected := b.clientConns[sess.ClientID]
	if !connected {
		b.enqueueOffline(sess, pub)
		return
	}

	switch pub.QoS {
	case packet.QoS0:
		sess.TrackQoS0Sent(pub)
		conn.Enqueue(OutboundEvent{Kind: OutPublish, Publish: pub.ToPublish(0, false)})
	case packet.QoS1, packet.QoS2:
		if b.maxInflight > 0 && sess.InFlightCount() >= b.maxInflight {
			b.enqueueOffline(sess, pub)
			return
		}
		var id uint16
		var err error
		if pub.QoS == packet.QoS1 {
			id, err = sess.SendQoS1(pub)
		} else {
			id, err = sess.SendQoS2(pub)
		}
		if err != nil {
			if b.metrics != nil {
				b.metrics.PublishesDropped.WithLabelValues("packet_id_exhausted").Inc()
			}
			b.enqueueOffline(sess, pub)
			return
		}
		conn.Enqueue(OutboundEvent{Kind: OutPublish, Publish: pub.ToPublish(id, false)})
	}
	if b.metrics != nil {
		b.metrics.PacketsSent.Inc()
	}
}

// enqueueOffline applies the configured queue-full policy before
// appending pub to sess's offline queue.
func (b *Broker) enqueueOffline(sess *session.Session, pub packet.Publication) {
	full := (b.queue.MaxLen > 0 && sess.QueueDepth() >= b.queue.MaxLen) ||
		(b.queue.MaxSize > 0 && sess.QueueSizeBytes()+len(pub.Payload) > b.queue.MaxSize)

	if full {
		switch b.queue.Policy {
		case DropOld:
			sess.DropOldestQueued()
			if b.metrics != nil {
				b.metrics.PublishesDropped.WithLabelValues("queue_full_drop_old").Inc()
			}
		default:
			if b.metrics != nil {
				b.metrics.PublishesDropped.WithLabelValues("queue_full_drop_new").Inc()
			}
			return
		}
	}
	sess.QueueForSend(pub)
}

func (b *Broker) drainQueued(sess *session.Session) {
	for _, pub := range sess.DrainQueue() {
		b.deliverToSession(sess, pub)
	}
}

func (b *Broker) sessionFor(conn Conn) (*session.Session, bool) {
	clientID, ok := b.connClients[conn]
	if !ok {
		return nil, false
	}
	return b.sessions.Get(clientID)
}

func (b *Broker) closeConn(conn Conn, reason string) {
	conn.Enqueue(OutboundEvent{Kind: OutClose, CloseReason: reason})
}

// housekeeping runs once per tick: evicts expired offline sessions
// (publishing their wills) and refreshes gauge metrics.
func (b *Broker) housekeeping(ctx context.Context) {
	for _, will := range b.sessions.ExpireOffline(ctx) {
		b.route(packet.Publication{Topic: will.Topic, QoS: will.QoS, Retain: will.Retain, Payload: will.Payload})
	}
	if b.metrics != nil {
		b.metrics.SessionsOffline.Set(float64(b.countOffline()))
	}
}

func (b *Broker) countOffline() int {
	n := 0
	for _, clientID := range b.sessions.ClientIDs() {
		if sess, ok := b.sessions.Get(clientID); ok && sess.State == session.StateOffline {
			n++
		}
	}
	return n
}
