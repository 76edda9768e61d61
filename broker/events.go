package broker

import "github.com/edgecore/mqttedge/packet"

// OutboundKind identifies which wire packet an OutboundEvent carries.
type OutboundKind byte

const (
	OutConnack OutboundKind = iota
	OutPublish
	OutPuback
	OutPubrec
	OutPubrel
	OutPubcomp
	OutSuback
	OutUnsuback
	OutPingresp
	OutClose
)

// OutboundEvent is one wire-level reply the broker enqueues for a
// connection handler to send, in the order it was enqueued.
type OutboundEvent struct {
	Kind    OutboundKind
	Connack *packet.Connack
	Publish *packet.Publish
	Ack     *packet.PacketIDAck
	Suback  *packet.Suback
	Unsub   *packet.Unsuback

	// CloseReason is set on OutClose; the connection handler logs it and
	// tears down the socket without sending anything further (MQTT 3.1.1
	// DISCONNECT has no broker-to-client wire form).
	CloseReason string
}

// Conn is the broker's view of one connection handler: a sink it
// enqueues OutboundEvents into, in call order. The broker core has no
// socket dependency of its own; network's connection-handler glue
// implements this interface.
type Conn interface {
	Enqueue(event OutboundEvent)
	RemoteAddr() string
}

// InboundKind identifies which decoded packet or lifecycle signal an
// InboundEvent carries.
type InboundKind byte

const (
	InConnect InboundKind = iota
	InPublish
	InPuback
	InPubrec
	InPubrel
	InPubcomp
	InSubscribe
	InUnsubscribe
	InPingreq
	InDisconnect     // client sent a bare DISCONNECT: graceful teardown, no will
	InConnectionLost // socket closed, protocol error, or keep-alive timeout: abrupt
)

// InboundEvent is one item on the broker's single inbound channel: a
// decoded packet or a connection-lifecycle signal, tagged with the Conn
// it arrived on. Messages from a single Conn are delivered to this
// channel in the order they were decoded.
type InboundEvent struct {
	Kind InboundKind
	Conn Conn

	Connect     *packet.Connect
	Publish     *packet.Publish
	Ack         *packet.PacketIDAck
	Subscribe   *packet.Subscribe
	Unsubscribe *packet.Unsubscribe

	// PeerAddr is carried alongside InConnect for Credentials; Conn's
	// RemoteAddr() would also work but a connection-lost event may need
	// the address after the socket itself is gone.
	PeerAddr string
}
