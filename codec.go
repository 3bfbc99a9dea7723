package coapfs

// Codec is the interface for message encoding and decoding.
// Each call handles exactly one datagram, so no stream framing is needed.
// Applications may supply their own Codec, for example to trace traffic.
type Codec interface {
	// Decode parses one datagram.
	Decode(data []byte) (*Message, error)
	// Encode packs a Message into one datagram.
	Encode(*Message) ([]byte, error)
}

// WireCodec is the default Codec implementing the fixed-header layout.
type WireCodec struct{}

// Decode implements Codec.
func (WireCodec) Decode(data []byte) (*Message, error) {
	return Decode(data)
}

// Encode implements Codec.
func (WireCodec) Encode(m *Message) ([]byte, error) {
	return m.Encode()
}
