package network

import (
	"context"
	"net"
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

func TestHandlerServeConnectConnack(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	b := newTestBroker(t)
	conn := NewConnection(serverSide, "test-1", nil)
	h := NewHandler(conn, b, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx)

	connect := &packet.Connect{CleanSession: true, ClientID: "client-a", KeepAlive: 30}
	raw, err := connect.Encode(nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := clientSide.Write(raw)
		errCh <- err
	}()
	require.NoError(t, <-errCh)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, byte(packet.CONNACK)<<4, buf[0])

	connack := &packet.Connack{}
	require.NoError(t, connack.Decode(buf[2:4]))
	require.Equal(t, packet.ConnackAccepted, connack.ReturnCode)
	require.False(t, connack.SessionPresent)
}

func TestHandlerRejectsNonConnectFirst(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	b := newTestBroker(t)
	conn := NewConnection(serverSide, "test-2", nil)
	h := NewHandler(conn, b, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx)

	ping, err := packet.EncodeFixedHeader(nil, packet.PINGREQ, 0x00, 0)
	require.NoError(t, err)

	go clientSide.Write(ping)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = clientSide.Read(buf)
	require.Error(t, err)
}
