package packet

// Publication is the broker-internal representation of a message in
// flight: a topic, payload and delivery parameters, detached from any
// particular connection's packet identifier space.
type Publication struct {
	Topic   string
	QoS     QoS
	Retain  bool
	Payload []byte
}

// FromPublish builds a Publication from an inbound PUBLISH, dropping the
// sender's packet identifier (each recipient allocates its own).
func FromPublish(p *Publish) Publication {
	return Publication{
		Topic:   p.Topic,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Payload: p.Payload,
	}
}

// ToPublish renders this Publication as an outbound PUBLISH for a given
// recipient, with the recipient's packet identifier and DUP bit applied.
func (pub Publication) ToPublish(packetID uint16, dup bool) *Publish {
	return &Publish{
		DUP:      dup,
		QoS:      pub.QoS,
		Retain:   pub.Retain,
		Topic:    pub.Topic,
		PacketID: packetID,
		Payload:  pub.Payload,
	}
}
