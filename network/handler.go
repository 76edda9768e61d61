package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgecore/mqttedge/broker"
	"github.com/edgecore/mqttedge/packet"
)

// Handler adapts one accepted *Connection into a broker.Conn: it decodes
// the MQTT 3.1.1 byte stream into broker.InboundEvents and serializes the
// broker's OutboundEvents back onto the wire. The broker core never sees
// a net.Conn; this is the only package that does.
type Handler struct {
	conn *Connection
	br   *broker.Broker
	log  *slog.Logger

	out       chan broker.OutboundEvent
	closeOnce sync.Once
	done      chan struct{}

	keepAlive *KeepAlive
	kam       *KeepAliveManager
}

// NewHandler wraps conn for MQTT framing against br. kam may be nil, in
// which case no keep-alive timeout is enforced for this connection.
func NewHandler(conn *Connection, br *broker.Broker, kam *KeepAliveManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		conn: conn,
		br:   br,
		log:  log,
		out:  make(chan broker.OutboundEvent, 64),
		done: make(chan struct{}),
		kam:  kam,
	}
}

// Enqueue implements broker.Conn. Called from the broker's single
// event-loop goroutine; never blocks indefinitely because Serve's writer
// goroutine is always draining out, except after Serve has exited, when
// the buffered channel absorbs a bounded number of further enqueues.
func (h *Handler) Enqueue(event broker.OutboundEvent) {
	select {
	case h.out <- event:
	case <-h.done:
	}
}

// RemoteAddr implements broker.Conn.
func (h *Handler) RemoteAddr() string {
	addr := h.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Serve runs the read loop and the write loop for this connection until
// the socket closes, a protocol error occurs, or ctx is cancelled. A
// client DISCONNECT is submitted to the broker as InDisconnect; Serve
// itself never submits InConnectionLost (see Lost).
func (h *Handler) Serve(ctx context.Context) {
	go h.writeLoop()
	defer h.shutdown()

	r := bufio.NewReaderSize(h.conn, 4096)
	decoder := packet.NewDecoder()
	sawConnect := false

	for {
		fh, err := readFixedHeader(r)
		if err != nil {
			return
		}
		if fh.RemainingLength > decoder.MaxRemainingLength {
			return
		}
		body := make([]byte, fh.RemainingLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		if !sawConnect && fh.Type != packet.CONNECT {
			return
		}

		switch fh.Type {
		case packet.CONNECT:
			if sawConnect {
				return
			}
			sawConnect = true
			c := &packet.Connect{}
			if err := c.Decode(body); err != nil {
				return
			}
			if h.kam != nil && c.KeepAlive > 0 {
				h.keepAlive = h.kam.Add(h.conn, time.Duration(c.KeepAlive)*time.Second)
			}
			h.br.Submit(broker.InboundEvent{Kind: broker.InConnect, Conn: h, Connect: c, PeerAddr: h.RemoteAddr()})
		case packet.PUBLISH:
			p := &packet.Publish{}
			if err := p.Decode(fh, body); err != nil {
				return
			}
			h.br.Submit(broker.InboundEvent{Kind: broker.InPublish, Conn: h, Publish: p})
		case packet.PUBACK:
			h.submitAck(packet.PUBACK, broker.InPuback, body)
		case packet.PUBREC:
			h.submitAck(packet.PUBREC, broker.InPubrec, body)
		case packet.PUBREL:
			h.submitAck(packet.PUBREL, broker.InPubrel, body)
		case packet.PUBCOMP:
			h.submitAck(packet.PUBCOMP, broker.InPubcomp, body)
		case packet.SUBSCRIBE:
			s := &packet.Subscribe{}
			if err := s.Decode(body); err != nil {
				return
			}
			h.br.Submit(broker.InboundEvent{Kind: broker.InSubscribe, Conn: h, Subscribe: s})
		case packet.UNSUBSCRIBE:
			u := &packet.Unsubscribe{}
			if err := u.Decode(body); err != nil {
				return
			}
			h.br.Submit(broker.InboundEvent{Kind: broker.InUnsubscribe, Conn: h, Unsubscribe: u})
		case packet.PINGREQ:
			h.br.Submit(broker.InboundEvent{Kind: broker.InPingreq, Conn: h})
		case packet.DISCONNECT:
			h.br.Submit(broker.InboundEvent{Kind: broker.InDisconnect, Conn: h})
			return
		default:
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Handler) submitAck(t packet.Type, kind broker.InboundKind, body []byte) {
	a := &packet.PacketIDAck{Type: t}
	if err := a.Decode(body); err != nil {
		return
	}
	h.br.Submit(broker.InboundEvent{Kind: kind, Conn: h, Ack: a})
}

// writeLoop serializes every OutboundEvent enqueued for this connection
// and writes it to the socket in order. Runs until OutClose or the
// socket errors.
func (h *Handler) writeLoop() {
	var buf []byte
	for {
		select {
		case ev := <-h.out:
			buf = buf[:0]
			var err error
			switch ev.Kind {
			case broker.OutConnack:
				buf, err = ev.Connack.Encode(buf)
			case broker.OutPublish:
				buf, err = ev.Publish.Encode(buf)
			case broker.OutPuback, broker.OutPubrec, broker.OutPubrel, broker.OutPubcomp:
				buf, err = ev.Ack.Encode(buf)
			case broker.OutSuback:
				buf, err = ev.Suback.Encode(buf)
			case broker.OutUnsuback:
				buf, err = ev.Unsub.Encode(buf)
			case broker.OutPingresp:
				buf, err = packet.EncodeFixedHeader(buf, packet.PINGRESP, 0x00, 0)
			case broker.OutClose:
				if ev.CloseReason != "" {
					h.log.Debug("connection closing", "reason", ev.CloseReason, "remote", h.RemoteAddr())
				}
				h.shutdown()
				return
			}
			if err != nil {
				h.log.Error("encode outbound packet failed", "error", err)
				h.shutdown()
				return
			}
			if _, err := h.conn.Write(buf); err != nil {
				h.shutdown()
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handler) shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.kam != nil {
			h.kam.Remove(h.conn.ID())
		}
		_ = h.conn.Close()
	})
}

// Lost reports the connection as abruptly gone to the broker. Bind
// calls it every time Serve returns, including after a client
// DISCONNECT and after a keep-alive-triggered close.
func (h *Handler) Lost() {
	h.br.Submit(broker.InboundEvent{Kind: broker.InConnectionLost, Conn: h})
}

// readFixedHeader reads one MQTT fixed header (1-5 bytes) from r.
func readFixedHeader(r *bufio.Reader) (packet.FixedHeader, error) {
	var hdr [5]byte
	n, err := io.ReadFull(r, hdr[:1])
	if err != nil {
		return packet.FixedHeader{}, err
	}
	for i := 1; i < 5; i++ {
		fh, total, err := packet.DecodeFixedHeader(hdr[:n])
		if err == nil {
			_ = total
			return fh, nil
		}
		if !errors.Is(err, packet.ErrIncomplete) {
			return packet.FixedHeader{}, err
		}
		if _, err := io.ReadFull(r, hdr[n:n+1]); err != nil {
			return packet.FixedHeader{}, err
		}
		n++
	}
	return packet.DecodeFixedHeader(hdr[:n])
}

// Bind returns a ConnectionHandler that hands every accepted Connection
// to a fresh Handler and serves it until the socket closes. Intended for
// Listener.OnConnection. A single KeepAliveManager is shared across
// every connection it binds; its timeout callback just closes the idle
// socket, which unblocks that connection's own read loop and drives it
// through the same InConnectionLost path as any other socket error.
func Bind(ctx context.Context, br *broker.Broker, log *slog.Logger) ConnectionHandler {
	kam := NewKeepAliveManager(func(c *Connection) { _ = c.Close() })

	return func(conn *Connection) error {
		h := NewHandler(conn, br, kam, log)
		go func() {
			h.Serve(ctx)
			h.Lost()
		}()
		return nil
	}
}

var _ broker.Conn = (*Handler)(nil)
