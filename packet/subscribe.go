package packet

// TopicFilter is one (filter, max QoS) entry of a SUBSCRIBE packet.
type TopicFilter struct {
	Filter string
	MaxQoS QoS
}

// Subscribe is a parsed SUBSCRIBE packet.
type Subscribe struct {
	PacketID uint16
	Filters  []TopicFilter
}

func (s *Subscribe) Decode(b []byte) error {
	pid, n, err := decodeUint16(b)
	if err != nil {
		return err
	}
	if pid == 0 {
		return ErrMalformedPacket
	}
	s.PacketID = pid
	b = b[n:]

	if len(b) == 0 {
		return ErrMalformedPacket
	}
	for len(b) > 0 {
		filter, n, err := decodeString(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if err := validateFilterSyntax(filter); err != nil {
			return err
		}
		if len(b) < 1 {
			return ErrMalformedPacket
		}
		qosByte := b[0]
		if qosByte&0xfc != 0 {
			return ErrMalformedPacket
		}
		qos := QoS(qosByte)
		if !qos.IsValid() {
			return ErrInvalidQoS
		}
		b = b[1:]
		s.Filters = append(s.Filters, TopicFilter{Filter: filter, MaxQoS: qos})
	}
	return nil
}

func (s *Subscribe) Encode(buf []byte) ([]byte, error) {
	var body []byte
	var err error
	body = encodeUint16(body, s.PacketID)
	for _, f := range s.Filters {
		body, err = encodeString(body, f.Filter)
		if err != nil {
			return nil, err
		}
		body = append(body, byte(f.MaxQoS))
	}
	buf, err = EncodeFixedHeader(buf, SUBSCRIBE, 0x02, uint32(len(body)))
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// SubackReturnCode is one byte of a SUBACK payload: either a granted QoS
// or 0x80 (failure).
type SubackReturnCode byte

const SubackFailure SubackReturnCode = 0x80

// Suback is a parsed SUBACK packet.
type Suback struct {
	PacketID    uint16
	ReturnCodes []SubackReturnCode
}

func (s *Suback) Decode(b []byte) error {
	pid, n, err := decodeUint16(b)
	if err != nil {
		return err
	}
	s.PacketID = pid
	b = b[n:]
	for _, c := range b {
		if c != byte(SubackFailure) && c > 2 {
			return ErrMalformedPacket
		}
		s.ReturnCodes = append(s.ReturnCodes, SubackReturnCode(c))
	}
	return nil
}

func (s *Suback) Encode(buf []byte) ([]byte, error) {
	body := encodeUint16(nil, s.PacketID)
	for _, c := range s.ReturnCodes {
		body = append(body, byte(c))
	}
	buf, err := EncodeFixedHeader(buf, SUBACK, 0x00, uint32(len(body)))
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// Unsubscribe is a parsed UNSUBSCRIBE packet.
type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

func (u *Unsubscribe) Decode(b []byte) error {
	pid, n, err := decodeUint16(b)
	if err != nil {
		return err
	}
	if pid == 0 {
		return ErrMalformedPacket
	}
	u.PacketID = pid
	b = b[n:]
	if len(b) == 0 {
		return ErrMalformedPacket
	}
	for len(b) > 0 {
		filter, n, err := decodeString(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if err := validateFilterSyntax(filter); err != nil {
			return err
		}
		u.Filters = append(u.Filters, filter)
	}
	return nil
}

func (u *Unsubscribe) Encode(buf []byte) ([]byte, error) {
	var body []byte
	var err error
	body = encodeUint16(body, u.PacketID)
	for _, f := range u.Filters {
		body, err = encodeString(body, f)
		if err != nil {
			return nil, err
		}
	}
	buf, err = EncodeFixedHeader(buf, UNSUBSCRIBE, 0x02, uint32(len(body)))
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// Unsuback is a parsed UNSUBACK packet.
type Unsuback struct {
	PacketID uint16
}

func (u *Unsuback) Decode(b []byte) error {
	pid, n, err := decodeUint16(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrMalformedPacket
	}
	u.PacketID = pid
	return nil
}

func (u *Unsuback) Encode(buf []byte) ([]byte, error) {
	buf, err := EncodeFixedHeader(buf, UNSUBACK, 0x00, 2)
	if err != nil {
		return nil, err
	}
	return encodeUint16(buf, u.PacketID), nil
}
