package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableByteIntegerRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, MaxRemainingLength}
	for _, v := range cases {
		buf, err := EncodeVariableByteInteger(nil, v)
		require.NoError(t, err)
		assert.Equal(t, VariableByteIntegerSize(v), len(buf))

		got, n, err := DecodeVariableByteIntegerFromBytes(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)

		got2, err := DecodeVariableByteInteger(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, v, got2)
	}
}

func TestVariableByteIntegerOverflow(t *testing.T) {
	_, err := EncodeVariableByteInteger(nil, MaxRemainingLength+1)
	assert.ErrorIs(t, err, ErrMalformedRemainingLength)

	_, _, err = DecodeVariableByteIntegerFromBytes([]byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedRemainingLength)
}

func TestDecodeFixedHeaderPublishFlags(t *testing.T) {
	b := []byte{byte(PUBLISH)<<4 | 0x0d, 0x00} // flags 1101: DUP=1 QoS=2 Retain=1
	fh, n, err := DecodeFixedHeader(b)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, PUBLISH, fh.Type)
	assert.True(t, fh.DUP)
	assert.Equal(t, QoS2, fh.QoS)
	assert.True(t, fh.Retain)
}

func TestDecodeFixedHeaderRejectsReserved(t *testing.T) {
	_, _, err := DecodeFixedHeader([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrReservedPacketType)
}

func TestDecodeFixedHeaderRejectsBadFlags(t *testing.T) {
	b := []byte{byte(SUBSCRIBE)<<4 | 0x00, 0x00}
	_, _, err := DecodeFixedHeader(b)
	assert.ErrorIs(t, err, ErrInvalidFlags)
}

func TestConnectEncodeDecodeRoundTrip(t *testing.T) {
	c := &Connect{
		CleanSession: true,
		KeepAlive:    60,
		ClientID:     "device-01",
		WillFlag:     true,
		WillTopic:    "last/will",
		WillPayload:  []byte("bye"),
		WillQoS:      QoS1,
		UsernameFlag: true,
		Username:     "alice",
		PasswordFlag: true,
		Password:     []byte("hunter2"),
	}
	buf, err := c.Encode(nil)
	require.NoError(t, err)

	fh, n, err := DecodeFixedHeader(buf)
	require.NoError(t, err)
	require.Equal(t, CONNECT, fh.Type)

	var got Connect
	err = got.Decode(buf[n : n+int(fh.RemainingLength)])
	require.NoError(t, err)
	assert.Equal(t, *c, got)
}

func TestConnectRejectsWrongProtocolLevel(t *testing.T) {
	c := &Connect{ClientID: "x"}
	buf, err := c.Encode(nil)
	require.NoError(t, err)
	fh, n, err := DecodeFixedHeader(buf)
	require.NoError(t, err)
	body := append([]byte(nil), buf[n:n+int(fh.RemainingLength)]...)
	body[6] = 5 // mangle protocol level byte

	var got Connect
	err = got.Decode(body)
	assert.ErrorIs(t, err, ErrUnacceptableProtocolVersion)
}

func TestPublishEncodeDecodeRoundTripQoS1(t *testing.T) {
	p := &Publish{QoS: QoS1, Topic: "sensors/temp", PacketID: 42, Payload: []byte("21.5")}
	buf, err := p.Encode(nil)
	require.NoError(t, err)

	fh, n, err := DecodeFixedHeader(buf)
	require.NoError(t, err)

	var got Publish
	err = got.Decode(fh, buf[n:n+int(fh.RemainingLength)])
	require.NoError(t, err)
	assert.Equal(t, p.Topic, got.Topic)
	assert.Equal(t, p.PacketID, got.PacketID)
	assert.Equal(t, p.Payload, got.Payload)
	assert.Equal(t, p.QoS, got.QoS)
}

func TestPublishQoS0HasNoPacketID(t *testing.T) {
	p := &Publish{QoS: QoS0, Topic: "a/b", Payload: []byte("x")}
	buf, err := p.Encode(nil)
	require.NoError(t, err)
	fh, n, err := DecodeFixedHeader(buf)
	require.NoError(t, err)
	var got Publish
	require.NoError(t, got.Decode(fh, buf[n:n+int(fh.RemainingLength)]))
	assert.Equal(t, uint16(0), got.PacketID)
}

func TestPublishRejectsWildcardTopic(t *testing.T) {
	fh := FixedHeader{Type: PUBLISH, QoS: QoS0}
	var p Publish
	body, _ := encodeString(nil, "a/+/c")
	err := p.Decode(fh, body)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestSubscribeEncodeDecodeRoundTrip(t *testing.T) {
	s := &Subscribe{PacketID: 7, Filters: []TopicFilter{
		{Filter: "a/b/+", MaxQoS: QoS1},
		{Filter: "a/#", MaxQoS: QoS2},
	}}
	buf, err := s.Encode(nil)
	require.NoError(t, err)
	fh, n, err := DecodeFixedHeader(buf)
	require.NoError(t, err)
	var got Subscribe
	require.NoError(t, got.Decode(buf[n:n+int(fh.RemainingLength)]))
	assert.Equal(t, s.Filters, got.Filters)
}

func TestSubscribeRejectsMisplacedHash(t *testing.T) {
	var s Subscribe
	body := encodeUint16(nil, 1)
	body, _ = encodeString(body, "a/#/b")
	body = append(body, byte(QoS0))
	err := s.Decode(body)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPacketIDAckRoundTrip(t *testing.T) {
	for _, typ := range []Type{PUBACK, PUBREC, PUBREL, PUBCOMP} {
		a := &PacketIDAck{Type: typ, PacketID: 99}
		buf, err := a.Encode(nil)
		require.NoError(t, err)
		fh, n, err := DecodeFixedHeader(buf)
		require.NoError(t, err)
		var got PacketIDAck
		got.Type = typ
		require.NoError(t, got.Decode(buf[n:n+int(fh.RemainingLength)]))
		assert.Equal(t, a.PacketID, got.PacketID)
	}
}

func TestPublicationRoundTrip(t *testing.T) {
	p := &Publish{QoS: QoS1, Topic: "a/b", PacketID: 5, Payload: []byte("v")}
	pub := FromPublish(p)
	out := pub.ToPublish(77, true)
	assert.Equal(t, p.Topic, out.Topic)
	assert.Equal(t, p.QoS, out.QoS)
	assert.Equal(t, p.Payload, out.Payload)
	assert.Equal(t, uint16(77), out.PacketID)
	assert.True(t, out.DUP)
}
