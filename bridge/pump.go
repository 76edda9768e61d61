package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgecore/mqttedge/broker"
	"github.com/edgecore/mqttedge/network"
	"github.com/edgecore/mqttedge/packet"
	"github.com/edgecore/mqttedge/packet/idpool"
	"github.com/edgecore/mqttedge/ringbuffer"
)

// Role says which way a Pump moves traffic. RoleForward reads
// publications out of the embedded broker (it subscribes there) and
// forwards them upstream; RoleSubscribe reads publications off the
// upstream connection and injects them into the embedded broker as its
// own PUBLISH traffic.
type Role int

const (
	RoleForward Role = iota
	RoleSubscribe
)

func (r Role) String() string {
	if r == RoleSubscribe {
		return "subscribe"
	}
	return "forward"
}

// State is a pump's connection lifecycle stage.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Dialer opens the transport a Pump's upstream MQTT client runs over.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer returns a Dialer that opens a plain TCP connection to addr.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// outstanding is one publication a pump has read out of its outbox and
// is carrying through delivery: to the upstream link for a RoleForward
// pump, or through the embedded broker's own QoS handshake for a
// RoleSubscribe pump. id is whichever side's in-flight packet
// identifier currently owns this entry; for RoleSubscribe it is the
// upstream broker's own packet identifier, reused unchanged as the
// identifier the pump presents to the embedded broker, so a single id
// correlates both hops without a translation table.
type outstanding struct {
	key ringbuffer.Key
	env outboxEnvelope
	id  uint16

	// localPubcompSeen/upstreamPubrelSeen track the two independent
	// halves of a QoS 2 handshake a RoleSubscribe pump is bridging: the
	// entry can only be retired once the embedded broker has confirmed
	// full local delivery (OutPubcomp) and the upstream sender has
	// released its own copy (PUBREL), in either order.
	localPubcompSeen   bool
	upstreamPubrelSeen bool
}

// Pump is one direction of a bridge: a ring-buffer outbox plus an MQTT
// 3.1.1 client connection to an upstream broker, reconnecting with
// backoff while the outbox keeps accepting new publications regardless
// of connection state.
type Pump struct {
	role     Role
	endpoint string
	clientID string
	dial     Dialer
	br       *broker.Broker
	log      *slog.Logger

	outbox *ringbuffer.RingBuffer

	mu     sync.Mutex
	rules  []TopicRule
	state  State
	conn   *network.Connection
	reader *bufio.Reader
	ids    idpool.Pool

	// outstandingQueue is the FIFO of entries read from the outbox but
	// not yet removed, in read order. Removal happens strictly from the
	// head, mirroring the outbox's own FIFO Remove contract, since acks
	// for a single ordered connection arrive in the order their
	// publications were sent.
	outstandingQueue []*outstanding
	outstandingByID  map[uint16]*outstanding

	out  chan broker.OutboundEvent
	done chan struct{}
	once sync.Once

	backoffCfg *network.BackoffConfig
}

// NewPump builds a Pump. outboxPath is a file that will be created (or
// reopened, replaying any undelivered backlog) to hold up to
// outboxCapacity bytes of queued publications.
func NewPump(role Role, endpoint, clientID string, rules []TopicRule, dial Dialer, outboxPath string, outboxCapacity uint64, br *broker.Broker, backoffCfg *network.BackoffConfig, log *slog.Logger) (*Pump, error) {
	if log == nil {
		log = slog.Default()
	}
	outbox, err := ringbuffer.Open(outboxPath, outboxCapacity)
	if err != nil {
		return nil, fmt.Errorf("bridge: open outbox for %s pump: %w", role, err)
	}
	if backoffCfg == nil {
		backoffCfg = network.DefaultBackoffConfig()
		backoffCfg.MaxRetries = 0 // a bridge pump retries forever
	}
	return &Pump{
		role:             role,
		endpoint:         endpoint,
		clientID:         clientID,
		rules:            rules,
		dial:             dial,
		br:               br,
		log:              log,
		outbox:           outbox,
		outstandingByID:  make(map[uint16]*outstanding),
		out:              make(chan broker.OutboundEvent, 64),
		done:             make(chan struct{}),
		backoffCfg:       backoffCfg,
	}, nil
}

// Enqueue implements broker.Conn: the embedded broker delivers this
// pump's subscribed publications (RoleForward) or this pump's own
// publish/subscribe acks (RoleSubscribe) here, in submission order.
func (p *Pump) Enqueue(event broker.OutboundEvent) {
	select {
	case p.out <- event:
	case <-p.done:
	}
}

// RemoteAddr implements broker.Conn.
func (p *Pump) RemoteAddr() string { return "bridge/" + p.role.String() + "/" + p.clientID }

// State reports the pump's current connection lifecycle stage.
func (p *Pump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pump) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SetRules replaces the pump's active topic rules. Safe to call while
// the pump is running. For RoleForward the new rules apply at once to
// the publish-time rule lookup, but the embedded-broker subscription is
// only made when Run registers the pump; for RoleSubscribe they take
// effect at the next upstream reconnect. ApplyForwards/
// ApplySubscriptions are the only callers.
func (p *Pump) SetRules(rules []TopicRule) {
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

func (p *Pump) currentRules() []TopicRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TopicRule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Close releases the pump's outbox file. Run should have already
// returned (ctx cancelled) before calling Close.
func (p *Pump) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.outbox.Close()
}

// Run drives the pump until ctx is cancelled: registers with the
// embedded broker, then repeatedly connects upstream, serves traffic,
// and backs off before retrying after a drop.
func (p *Pump) Run(ctx context.Context) error {
	if err := p.registerWithBroker(ctx); err != nil {
		return fmt.Errorf("bridge: %s pump registration with embedded broker: %w", p.role, err)
	}
	if p.role == RoleForward {
		go p.drainLocalEvents(ctx)
	}

	backoff, err := network.NewBackoff(p.backoffCfg)
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		p.setState(StateConnecting)
		conn, err := p.connectUpstream(ctx)
		if err != nil {
			p.log.Warn("bridge pump connect failed", "endpoint", p.endpoint, "role", p.role.String(), "error", err)
			wait, ok := backoff.Next()
			if !ok {
				return fmt.Errorf("bridge: %s pump exhausted reconnect attempts: %w", p.role, err)
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		backoff.Reset()
		p.setState(StateConnected)

		if err := p.handshakeUpstream(ctx, conn); err != nil {
			p.log.Warn("bridge pump handshake failed", "endpoint", p.endpoint, "role", p.role.String(), "error", err)
			_ = conn.Close()
			p.setState(StateDisconnected)
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.setState(StateReady)
		p.resendOutstanding(conn)
		p.refillFromOutbox(conn)

		p.serveUpstream(ctx, conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		p.setState(StateDisconnected)
	}
	return ctx.Err()
}

func (p *Pump) connectUpstream(ctx context.Context) (*network.Connection, error) {
	nc, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return network.NewConnection(nc, p.clientID, nil), nil
}

// handshakeUpstream sends CONNECT and, for a RoleSubscribe pump, the
// SUBSCRIBE for its current rules, blocking for each corresponding ack.
func (p *Pump) handshakeUpstream(ctx context.Context, conn *network.Connection) error {
	c := &packet.Connect{CleanSession: true, ClientID: p.clientID, KeepAlive: 60}
	if err := writePacket(conn, c); err != nil {
		return err
	}
	r := bufio.NewReaderSize(conn, 4096)
	fh, body, err := readPacket(r)
	if err != nil {
		return err
	}
	if fh.Type != packet.CONNACK {
		return fmt.Errorf("bridge: expected CONNACK, got %s", fh.Type)
	}
	ack := &packet.Connack{}
	if err := ack.Decode(body); err != nil {
		return err
	}
	if ack.ReturnCode != packet.ConnackAccepted {
		return fmt.Errorf("bridge: upstream refused connect: return code %d", ack.ReturnCode)
	}

	if p.role == RoleSubscribe {
		p.setState(StateSubscribing)
		rules := p.currentRules()
		if len(rules) > 0 {
			sub := &packet.Subscribe{PacketID: 1}
			for _, rule := range rules {
				sub.Filters = append(sub.Filters, packet.TopicFilter{Filter: rule.InPrefix + rule.Topic, MaxQoS: packet.QoS2})
			}
			if err := writePacket(conn, sub); err != nil {
				return err
			}
			fh, body, err := readPacket(r)
			if err != nil {
				return err
			}
			if fh.Type != packet.SUBACK {
				return fmt.Errorf("bridge: expected SUBACK, got %s", fh.Type)
			}
			suback := &packet.Suback{}
			if err := suback.Decode(body); err != nil {
				return err
			}
		}
	}
	p.reader = r
	return nil
}

// serveUpstream reads packets off conn until it drops or ctx is
// cancelled, dispatching each to the handler appropriate to the pump's
// role. Returns (without error) once the connection is no longer
// usable; Run treats that as a drop to reconnect from.
func (p *Pump) serveUpstream(ctx context.Context, conn *network.Connection) {
	r := p.reader
	if r == nil {
		r = bufio.NewReaderSize(conn, 4096)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fh, body, err := readPacket(r)
		if err != nil {
			return
		}
		switch fh.Type {
		case packet.PUBLISH:
			if p.role != RoleSubscribe {
				continue
			}
			pub := &packet.Publish{}
			if err := pub.Decode(fh, body); err != nil {
				return
			}
			p.handleUpstreamPublish(conn, pub)
		case packet.PUBACK:
			p.handleAckFromUpstream(conn, packet.PUBACK, body)
		case packet.PUBREC:
			p.handleAckFromUpstream(conn, packet.PUBREC, body)
		case packet.PUBREL:
			p.handleUpstreamPubrel(conn, body)
		case packet.PUBCOMP:
			p.handleAckFromUpstream(conn, packet.PUBCOMP, body)
		case packet.PINGRESP:
			// nothing to do; ping keep-alive is best-effort for a pump.
		default:
			return
		}
	}
}

// registerWithBroker drives the pump through the embedded broker's own
// CONNECT/SUBSCRIBE handshake, exactly as a real client would, so the
// broker's session and subscription machinery treats the pump's
// traffic like any other connected client's.
func (p *Pump) registerWithBroker(ctx context.Context) error {
	p.br.Submit(broker.InboundEvent{
		Kind:     broker.InConnect,
		Conn:     p,
		PeerAddr: p.RemoteAddr(),
		Connect:  &packet.Connect{CleanSession: true, ClientID: p.clientID},
	})
	ev, err := p.awaitLocal(ctx, broker.OutConnack)
	if err != nil {
		return err
	}
	if ev.Connack.ReturnCode != packet.ConnackAccepted {
		return fmt.Errorf("bridge: embedded broker refused connect: return code %d", ev.Connack.ReturnCode)
	}

	if p.role == RoleForward {
		return p.resubscribeLocal(ctx)
	}
	return nil
}

// resubscribeLocal (re)subscribes this RoleForward pump with the
// embedded broker for its current rules. Called once at startup; a
// config update only grows or shrinks p.rules in memory; a full
// unsubscribe/resubscribe cycle against the embedded broker is left for
// a future config-reload pass (ApplyForwards only needs the in-memory
// rule set kept current for the publish-time lookup today).
func (p *Pump) resubscribeLocal(ctx context.Context) error {
	rules := p.currentRules()
	if len(rules) == 0 {
		return nil
	}
	sub := &packet.Subscribe{PacketID: 1}
	for _, rule := range rules {
		sub.Filters = append(sub.Filters, packet.TopicFilter{Filter: rule.InPrefix + rule.Topic, MaxQoS: packet.QoS2})
	}
	p.br.Submit(broker.InboundEvent{Kind: broker.InSubscribe, Conn: p, Subscribe: sub})
	_, err := p.awaitLocal(ctx, broker.OutSuback)
	return err
}

func (p *Pump) awaitLocal(ctx context.Context, kind broker.OutboundKind) (broker.OutboundEvent, error) {
	select {
	case ev := <-p.out:
		if ev.Kind != kind {
			return ev, fmt.Errorf("bridge: expected embedded broker outbound kind %d, got %d", kind, ev.Kind)
		}
		return ev, nil
	case <-ctx.Done():
		return broker.OutboundEvent{}, ctx.Err()
	}
}

// drainLocalEvents runs for the lifetime of a RoleForward pump,
// consuming the embedded broker's OutPublish events (matched rule
// traffic) into the outbox, and any ack events for a previously
// forwarded publication back through to upstream removal.
func (p *Pump) drainLocalEvents(ctx context.Context) {
	for {
		select {
		case ev := <-p.out:
			p.handleLocalEvent(ev)
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Pump) handleLocalEvent(ev broker.OutboundEvent) {
	switch ev.Kind {
	case broker.OutPublish:
		env, ok := p.applyForwardRules(ev.Publish)
		if !ok {
			return
		}
		if _, err := p.outbox.Insert(encodeEnvelope(env)); err != nil {
			p.log.Error("bridge forward outbox insert failed", "error", err)
		}
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn != nil {
			p.refillFromOutbox(conn)
		}
	case broker.OutPuback, broker.OutPubcomp:
		p.retireOutstanding(ev.Ack.PacketID)
	case broker.OutPubrec:
		// A RoleForward pump never publishes locally, so it never
		// receives a PUBREC of its own; left unhandled deliberately.
	}
}

// applyForwardRules matches pub's topic against the pump's current
// rules and, on a hit, renders the envelope to store and forward.
func (p *Pump) applyForwardRules(pub *packet.Publish) (outboxEnvelope, bool) {
	for _, rule := range p.currentRules() {
		remainder, ok := rule.Remainder(pub.Topic)
		if !ok {
			continue
		}
		return outboxEnvelope{
			Topic:   rule.Forward(remainder),
			QoS:     pub.QoS,
			Retain:  pub.Retain,
			Payload: pub.Payload,
		}, true
	}
	return outboxEnvelope{}, false
}

// handleUpstreamPublish is RoleSubscribe's half of the bridge: a
// publication arrived from the upstream broker and must be persisted,
// then injected into the embedded broker as this pump's own PUBLISH.
func (p *Pump) handleUpstreamPublish(conn *network.Connection, pub *packet.Publish) {
	remainder, topic, ok := p.matchSubscribeRules(pub.Topic)
	if !ok {
		return
	}
	env := outboxEnvelope{Topic: topic, QoS: pub.QoS, Retain: pub.Retain, Payload: pub.Payload}
	_ = remainder

	if pub.QoS == packet.QoS0 {
		p.br.Submit(broker.InboundEvent{Kind: broker.InPublish, Conn: p, Publish: &packet.Publish{
			QoS: packet.QoS0, Topic: env.Topic, Payload: env.Payload, Retain: env.Retain,
		}})
		return
	}

	key, err := p.outbox.Insert(encodeEnvelope(env))
	if err != nil {
		p.log.Error("bridge subscribe outbox insert failed", "error", err)
		return
	}
	o := &outstanding{key: key, env: env, id: pub.PacketID}
	p.mu.Lock()
	p.outstandingByID[pub.PacketID] = o
	p.outstandingQueue = append(p.outstandingQueue, o)
	p.mu.Unlock()

	if pub.QoS == packet.QoS2 {
		_ = writePacket(conn, &packet.PacketIDAck{Type: packet.PUBREC, PacketID: pub.PacketID})
	}
	p.br.Submit(broker.InboundEvent{Kind: broker.InPublish, Conn: p, Publish: &packet.Publish{
		QoS: pub.QoS, Topic: env.Topic, Payload: env.Payload, Retain: env.Retain, PacketID: pub.PacketID,
	}})
}

func (p *Pump) matchSubscribeRules(topic string) (remainder, forwarded string, ok bool) {
	for _, rule := range p.currentRules() {
		rem, hit := rule.Remainder(topic)
		if !hit {
			continue
		}
		return rem, rule.Forward(rem), true
	}
	return "", "", false
}

// handleAckFromUpstream processes a PUBACK/PUBREC/PUBCOMP the upstream
// broker sent back for a publication this pump forwarded there
// (RoleForward), or an ack of this pump's own upstream PUBLISH sent
// while bridging a QoS 2 delivery inbound (RoleSubscribe never
// publishes upstream except PUBREC/PUBREL/PUBCOMP handshakes, handled
// separately).
func (p *Pump) handleAckFromUpstream(conn *network.Connection, t packet.Type, body []byte) {
	ack := &packet.PacketIDAck{Type: t}
	if err := ack.Decode(body); err != nil {
		return
	}
	switch t {
	case packet.PUBACK:
		p.retireOutstanding(ack.PacketID)
	case packet.PUBREC:
		_ = writePacket(conn, &packet.PacketIDAck{Type: packet.PUBREL, PacketID: ack.PacketID})
	case packet.PUBCOMP:
		p.retireOutstanding(ack.PacketID)
	}
}

// handleUpstreamPubrel completes the receiver half of a QoS 2 handshake
// a RoleSubscribe pump is bridging: once both the upstream PUBREL and
// the embedded broker's own OutPubcomp have arrived, the entry is fully
// delivered end to end and can be retired.
func (p *Pump) handleUpstreamPubrel(conn *network.Connection, body []byte) {
	ack := &packet.PacketIDAck{Type: packet.PUBREL}
	if err := ack.Decode(body); err != nil {
		return
	}
	p.mu.Lock()
	o, ok := p.outstandingByID[ack.PacketID]
	if ok {
		o.upstreamPubrelSeen = true
	}
	done := ok && o.localPubcompSeen && o.upstreamPubrelSeen
	p.mu.Unlock()
	if done {
		_ = writePacket(conn, &packet.PacketIDAck{Type: packet.PUBCOMP, PacketID: ack.PacketID})
		p.retireOutstanding(ack.PacketID)
	}
}

// retireOutstanding removes the outstanding entry for id from the
// outbox, the pending index and the FIFO queue. For a RoleSubscribe
// QoS2 entry, marks local completion first and only fully retires once
// the upstream PUBREL half has also been seen.
func (p *Pump) retireOutstanding(id uint16) {
	p.mu.Lock()
	o, ok := p.outstandingByID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if p.role == RoleSubscribe && o.env.QoS == packet.QoS2 {
		o.localPubcompSeen = true
		if !o.upstreamPubrelSeen {
			p.mu.Unlock()
			return
		}
	}
	delete(p.outstandingByID, id)
	p.removeFromQueueLocked(o)
	p.mu.Unlock()

	if err := p.outbox.Remove(o.key); err != nil && !errors.Is(err, ringbuffer.ErrOutOfOrder) {
		p.log.Error("bridge outbox remove failed", "error", err)
	}
	if p.role == RoleForward && o.id != 0 {
		p.ids.Release(o.id)
	}
}

func (p *Pump) removeFromQueueLocked(o *outstanding) {
	for i, q := range p.outstandingQueue {
		if q == o {
			p.outstandingQueue = append(p.outstandingQueue[:i], p.outstandingQueue[i+1:]...)
			return
		}
	}
}

// resendOutstanding replays every entry already read from the outbox
// but not yet acknowledged, in the order they were first sent, with
// dup=1: these are the publications a prior connection attempt or
// upstream drop left unconfirmed.
func (p *Pump) resendOutstanding(conn *network.Connection) {
	p.mu.Lock()
	queue := append([]*outstanding(nil), p.outstandingQueue...)
	p.mu.Unlock()

	for _, o := range queue {
		if err := p.sendEnvelope(conn, o.env, o.id, true); err != nil {
			p.log.Warn("bridge resend failed", "error", err)
			return
		}
	}
}

// refillFromOutbox reads fresh (never-sent) entries out of the outbox
// and sends each over conn, assigning packet identifiers for QoS 1/2
// traffic as it goes. Only meaningful for a RoleForward pump; a
// RoleSubscribe pump's outbox holds entries pending local delivery
// confirmation, not ones awaiting an upstream send.
func (p *Pump) refillFromOutbox(conn *network.Connection) {
	if p.role != RoleForward {
		return
	}
	for {
		entries, err := p.outbox.Read(16)
		if err != nil {
			p.log.Error("bridge outbox read failed", "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		for _, e := range entries {
			env, err := decodeEnvelope(e.Data)
			if err != nil {
				p.log.Error("bridge outbox decode failed", "error", err)
				continue
			}
			var id uint16
			if env.QoS != packet.QoS0 {
				id, err = p.ids.Reserve()
				if err != nil {
					p.log.Error("bridge packet identifier space exhausted", "error", err)
					continue
				}
			}
			o := &outstanding{key: e.Key, env: env, id: id}
			p.mu.Lock()
			if id != 0 {
				p.outstandingByID[id] = o
			}
			p.outstandingQueue = append(p.outstandingQueue, o)
			p.mu.Unlock()

			if err := p.sendEnvelope(conn, env, id, false); err != nil {
				p.log.Warn("bridge send failed", "error", err)
				return
			}
			if env.QoS == packet.QoS0 {
				p.retireOutstandingByKey(e.Key)
			}
		}
	}
}

func (p *Pump) retireOutstandingByKey(key ringbuffer.Key) {
	p.mu.Lock()
	var o *outstanding
	for _, q := range p.outstandingQueue {
		if q.key == key {
			o = q
			break
		}
	}
	if o != nil {
		p.removeFromQueueLocked(o)
		if o.id != 0 {
			delete(p.outstandingByID, o.id)
		}
	}
	p.mu.Unlock()
	if err := p.outbox.Remove(key); err != nil && !errors.Is(err, ringbuffer.ErrOutOfOrder) {
		p.log.Error("bridge outbox remove failed", "error", err)
	}
}

func (p *Pump) sendEnvelope(conn *network.Connection, env outboxEnvelope, id uint16, dup bool) error {
	return writePacket(conn, &packet.Publish{
		DUP: dup, QoS: env.QoS, Retain: env.Retain, Topic: env.Topic, PacketID: id, Payload: env.Payload,
	})
}

// encodable is anything with an Encode(buf) method, shared by every
// packet type a pump writes to its upstream connection.
type encodable interface {
	Encode(buf []byte) ([]byte, error)
}

func writePacket(w io.Writer, p encodable) error {
	buf, err := p.Encode(nil)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readPacket reads one complete MQTT packet (fixed header plus body)
// from r.
func readPacket(r *bufio.Reader) (packet.FixedHeader, []byte, error) {
	var hdr [5]byte
	n, err := io.ReadFull(r, hdr[:1])
	if err != nil {
		return packet.FixedHeader{}, nil, err
	}
	var fh packet.FixedHeader
	for {
		var decErr error
		fh, _, decErr = packet.DecodeFixedHeader(hdr[:n])
		if decErr == nil {
			break
		}
		if !errors.Is(decErr, packet.ErrIncomplete) || n >= 5 {
			return packet.FixedHeader{}, nil, decErr
		}
		if _, err := io.ReadFull(r, hdr[n:n+1]); err != nil {
			return packet.FixedHeader{}, nil, err
		}
		n++
	}
	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet.FixedHeader{}, nil, err
	}
	return fh, body, nil
}

// outboxEnvelope is the bridge's own framing for what it stores in a
// ring buffer block: just enough of a publication to resend it, since
// a fresh upstream packet identifier is assigned at send time.
type outboxEnvelope struct {
	Topic   string
	QoS     packet.QoS
	Retain  bool
	Payload []byte
}

var errEnvelopeTooShort = errors.New("bridge: truncated outbox envelope")

func encodeEnvelope(e outboxEnvelope) []byte {
	buf := make([]byte, 0, 2+len(e.Topic)+1+4+len(e.Payload))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Topic)))
	buf = append(buf, e.Topic...)
	var flags byte
	if e.Retain {
		flags |= 0x01
	}
	flags |= byte(e.QoS) << 1
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf
}

func decodeEnvelope(raw []byte) (outboxEnvelope, error) {
	if len(raw) < 2 {
		return outboxEnvelope{}, errEnvelopeTooShort
	}
	tlen := int(binary.BigEndian.Uint16(raw))
	raw = raw[2:]
	if len(raw) < tlen+1+4 {
		return outboxEnvelope{}, errEnvelopeTooShort
	}
	topic := string(raw[:tlen])
	raw = raw[tlen:]
	flags := raw[0]
	raw = raw[1:]
	plen := int(binary.BigEndian.Uint32(raw))
	raw = raw[4:]
	if len(raw) < plen {
		return outboxEnvelope{}, errEnvelopeTooShort
	}
	payload := append([]byte(nil), raw[:plen]...)
	return outboxEnvelope{
		Topic:   topic,
		QoS:     packet.QoS((flags >> 1) & 0x03),
		Retain:  flags&0x01 != 0,
		Payload: payload,
	}, nil
}
