package packet

// EncodePingreq appends a PINGREQ packet to buf.
func EncodePingreq(buf []byte) ([]byte, error) { return EncodeFixedHeader(buf, PINGREQ, 0, 0) }

// EncodePingresp appends a PINGRESP packet to buf.
func EncodePingresp(buf []byte) ([]byte, error) { return EncodeFixedHeader(buf, PINGRESP, 0, 0) }

// EncodeDisconnect appends a DISCONNECT packet to buf.
func EncodeDisconnect(buf []byte) ([]byte, error) { return EncodeFixedHeader(buf, DISCONNECT, 0, 0) }
