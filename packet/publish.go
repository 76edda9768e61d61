package packet

// Publish is a parsed PUBLISH packet. PacketID is meaningful only when
// QoS is QoS1 or QoS2.
type Publish struct {
	DUP      bool
	QoS      QoS
	Retain   bool
	Topic    string
	PacketID uint16
	Payload  []byte
}

// Decode parses a PUBLISH variable header and payload. fh must be the
// fixed header already decoded for this packet (carries DUP/QoS/Retain
// and RemainingLength).
func (p *Publish) Decode(fh FixedHeader, b []byte) error {
	p.DUP = fh.DUP
	p.QoS = fh.QoS
	p.Retain = fh.Retain

	topic, n, err := decodeString(b)
	if err != nil {
		return err
	}
	b = b[n:]
	p.Topic = topic
	if containsWildcard(topic) {
		return ErrMalformedPacket
	}

	if p.QoS != QoS0 {
		pid, n, err := decodeUint16(b)
		if err != nil {
			return err
		}
		if pid == 0 {
			return ErrMalformedPacket
		}
		p.PacketID = pid
		b = b[n:]
	}

	p.Payload = append([]byte(nil), b...)
	return nil
}

// Encode appends the wire representation of this PUBLISH to buf.
func (p *Publish) Encode(buf []byte) ([]byte, error) {
	var body []byte
	var err error
	body, err = encodeString(body, p.Topic)
	if err != nil {
		return nil, err
	}
	if p.QoS != QoS0 {
		body = encodeUint16(body, p.PacketID)
	}
	body = append(body, p.Payload...)

	flags := publishFlags(p.DUP, p.QoS, p.Retain)
	buf, err = EncodeFixedHeader(buf, PUBLISH, flags, uint32(len(body)))
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

func containsWildcard(topic string) bool {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '+' || topic[i] == '#' {
			return true
		}
	}
	return false
}
