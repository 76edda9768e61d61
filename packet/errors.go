package packet

import "errors"

var (
	// ErrMalformedRemainingLength is returned when a variable byte
	// integer exceeds four bytes or exceeds MaxRemainingLength.
	ErrMalformedRemainingLength = errors.New("packet: malformed remaining length")

	// ErrReservedPacketType is returned for the reserved type value 0.
	ErrReservedPacketType = errors.New("packet: reserved packet type")

	// ErrInvalidFlags is returned when a packet's fixed flags don't match
	// the fixed value required by the MQTT 3.1.1 spec for its type.
	ErrInvalidFlags = errors.New("packet: invalid fixed header flags")

	// ErrInvalidQoS is returned for a QoS value outside {0,1,2}.
	ErrInvalidQoS = errors.New("packet: invalid qos")

	// ErrUnacceptableProtocolVersion is returned by CONNECT decoding when
	// the protocol level is not 4 (MQTT 3.1.1).
	ErrUnacceptableProtocolVersion = errors.New("packet: unacceptable protocol version")

	// ErrStringTooLong is returned when a UTF-8 string field would exceed
	// the 2-byte length prefix's 65535 byte limit.
	ErrStringTooLong = errors.New("packet: string exceeds 65535 bytes")

	// ErrMalformedPacket is returned when a packet body is shorter than
	// its declared remaining length requires, or otherwise ill-formed.
	ErrMalformedPacket = errors.New("packet: malformed packet body")

	// ErrIncomplete is returned by the streaming decoder when more bytes
	// are needed before a packet can be produced; callers should read
	// more and retry rather than treat it as a protocol violation.
	ErrIncomplete = errors.New("packet: incomplete, need more data")
)
