package bridge

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgecore/mqttedge/broker"
	"github.com/edgecore/mqttedge/packet"
	"github.com/edgecore/mqttedge/retained"
	"github.com/edgecore/mqttedge/session"
	"github.com/edgecore/mqttedge/topic"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{
		Sessions: session.NewManager(session.ManagerConfig{Store: session.NewMemoryStore()}),
		Retained: retained.New(),
		Router:   topic.NewRouter(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

// fakeConn is a minimal broker.Conn used to inject or observe traffic
// on the embedded broker side of a test, independent of any pump.
type fakeConn struct {
	addr string
	out  chan broker.OutboundEvent
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, out: make(chan broker.OutboundEvent, 16)}
}

func (f *fakeConn) Enqueue(ev broker.OutboundEvent) { f.out <- ev }
func (f *fakeConn) RemoteAddr() string              { return f.addr }

func pairedDialer(t *testing.T) (Dialer, net.Conn) {
	t.Helper()
	pumpSide, upstreamSide := net.Pipe()
	t.Cleanup(func() { pumpSide.Close(); upstreamSide.Close() })
	return func(ctx context.Context) (net.Conn, error) { return pumpSide, nil }, upstreamSide
}

// upstreamConnAck reads a CONNECT off upstream and replies CONNACK.
func upstreamConnAck(t *testing.T, upstream net.Conn) {
	t.Helper()
	r := bufio.NewReaderSize(upstream, 4096)
	fh, body, err := readPacket(r)
	require.NoError(t, err)
	require.Equal(t, packet.CONNECT, fh.Type)
	c := &packet.Connect{}
	require.NoError(t, c.Decode(body))

	ack := &packet.Connack{ReturnCode: packet.ConnackAccepted}
	raw, err := ack.Encode(nil)
	require.NoError(t, err)
	_, err = upstream.Write(raw)
	require.NoError(t, err)
}

func TestForwardPumpStoresAndForwardsMatchingPublish(t *testing.T) {
	b := newTestBroker(t)
	dial, upstream := pairedDialer(t)

	outboxPath := filepath.Join(t.TempDir(), "forward.ring")
	pump, err := NewPump(RoleForward, "upstream:1883", "bridge-fwd", []TopicRule{{Topic: "sensors/#", OutPrefix: "edge1/"}}, dial, outboxPath, 4096, b, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pump.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	upstreamDone := make(chan *packet.Publish, 1)
	go func() {
		upstreamConnAck(t, upstream)
		r := bufio.NewReaderSize(upstream, 4096)
		fh, body, err := readPacket(r)
		if err != nil {
			return
		}
		if fh.Type != packet.PUBLISH {
			return
		}
		pub := &packet.Publish{}
		if err := pub.Decode(fh, body); err != nil {
			return
		}
		upstreamDone <- pub
	}()

	go pump.Run(ctx)

	publisher := newFakeConn("test-publisher")
	b.Submit(broker.InboundEvent{Kind: broker.InConnect, Conn: publisher, PeerAddr: "test", Connect: &packet.Connect{CleanSession: true, ClientID: "publisher"}})
	<-publisher.out // CONNACK

	// The pump's own registration (CONNECT+SUBSCRIBE against the
	// embedded broker) races this publisher's; retry the publish until
	// it lands after the pump's subscription is in place.
	deadline := time.After(2 * time.Second)
	for {
		b.Submit(broker.InboundEvent{Kind: broker.InPublish, Conn: publisher, Publish: &packet.Publish{
			QoS: packet.QoS0, Topic: "sensors/temp", Payload: []byte("21c"),
		}})
		select {
		case pub := <-upstreamDone:
			require.Equal(t, "edge1/temp", pub.Topic)
			require.Equal(t, []byte("21c"), pub.Payload)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("upstream never received forwarded publish")
		}
	}
}

func TestSubscribePumpInjectsUpstreamPublishIntoBroker(t *testing.T) {
	b := newTestBroker(t)
	dial, upstream := pairedDialer(t)

	outboxPath := filepath.Join(t.TempDir(), "subscribe.ring")
	pump, err := NewPump(RoleSubscribe, "upstream:1883", "bridge-sub", []TopicRule{{Topic: "commands/#", InPrefix: "cloud/", OutPrefix: "local/"}}, dial, outboxPath, 4096, b, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pump.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		upstreamConnAck(t, upstream)
		r := bufio.NewReaderSize(upstream, 4096)
		fh, body, err := readPacket(r)
		if err != nil || fh.Type != packet.SUBSCRIBE {
			return
		}
		sub := &packet.Subscribe{}
		if err := sub.Decode(body); err != nil {
			return
		}
		suback := &packet.Suback{PacketID: sub.PacketID, ReturnCodes: []packet.SubackReturnCode{0}}
		raw, err := suback.Encode(nil)
		if err != nil {
			return
		}
		if _, err := upstream.Write(raw); err != nil {
			return
		}

		pub := &packet.Publish{QoS: packet.QoS0, Topic: "cloud/commands/reboot", Payload: []byte("now")}
		raw, err = pub.Encode(nil)
		if err != nil {
			return
		}
		_, _ = upstream.Write(raw)
	}()

	// Register the subscriber with the embedded broker before the pump
	// starts running, so its subscription is already in place by the
	// time the pump injects the bridged publish.
	subscriber := newFakeConn("test-subscriber")
	b.Submit(broker.InboundEvent{Kind: broker.InConnect, Conn: subscriber, PeerAddr: "test", Connect: &packet.Connect{CleanSession: true, ClientID: "subscriber"}})
	<-subscriber.out // CONNACK
	b.Submit(broker.InboundEvent{Kind: broker.InSubscribe, Conn: subscriber, Subscribe: &packet.Subscribe{
		PacketID: 1, Filters: []packet.TopicFilter{{Filter: "local/commands/#", MaxQoS: packet.QoS0}},
	}})
	<-subscriber.out // SUBACK

	go pump.Run(ctx)

	select {
	case ev := <-subscriber.out:
		require.Equal(t, broker.OutPublish, ev.Kind)
		require.Equal(t, "local/commands/reboot", ev.Publish.Topic)
		require.Equal(t, []byte("now"), ev.Publish.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received bridged publish")
	}
}

func TestTCPDialerDialsAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	dial := TCPDialer(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
}
