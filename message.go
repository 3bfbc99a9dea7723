package coapfs

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Type is the 2-bit message type carried in the first header byte.
type Type uint8

// Message types.
const (
	Confirmable Type = iota
	NonConfirmable
	Acknowledgement
	Reset
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return "unknown"
}

// Header constants.
const (
	// Version1 is the only protocol version accepted or emitted.
	Version1 uint8 = 1
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 4
	// MaxTokenLength is the largest valid token length; 9-15 are reserved.
	MaxTokenLength = 8
	// PayloadMarker separates the header and token from the payload.
	PayloadMarker byte = 0xFF
)

// Message classes.
const (
	ClassMethod      uint8 = 0
	ClassSuccess     uint8 = 2
	ClassClientError uint8 = 4
	ClassServerError uint8 = 5
)

// Method codes used with ClassMethod.
const (
	CodeGet    uint8 = 1
	CodePost   uint8 = 2
	CodePut    uint8 = 3
	CodeDelete uint8 = 4
	// CodeSearch is the file service's pattern search method.
	CodeSearch uint8 = 8
)

// Codec errors.
var (
	// ErrMalformedHeader is returned for a reserved token length or an
	// unsupported header layout (such as options before the payload).
	ErrMalformedHeader = errors.New("malformed header")
	// ErrUnsupportedVersion is returned when the version bits are not 1.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrTruncatedMessage is returned when the datagram is shorter than its
	// header and token require.
	ErrTruncatedMessage = errors.New("truncated message")
	// ErrInvalidPayload is returned when the payload is not valid UTF-8.
	ErrInvalidPayload = errors.New("invalid utf-8 payload")
	// ErrFieldRange is returned by Encode when a field does not fit its
	// bit width or the token disagrees with TokenLength.
	ErrFieldRange = errors.New("field out of range")
)

// Message is a single datagram exchanged with the file service.
// Messages are values: build one per request or response and do not
// mutate it after it has been handed to a codec.
type Message struct {
	Version     uint8
	Type        Type
	TokenLength uint8
	Class       uint8
	Code        uint8
	MessageID   uint16
	Token       []byte
	Payload     string
}

// Encode packs the message into its wire representation.
func (m *Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	size := HeaderSize + len(m.Token)
	if m.Payload != "" {
		size += 1 + len(m.Payload)
	}
	buf := make([]byte, HeaderSize, size)

	buf[0] = m.Version<<6 | uint8(m.Type)<<4 | m.TokenLength
	buf[1] = m.Class<<5 | m.Code
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)

	buf = append(buf, m.Token...)
	if m.Payload != "" {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

func (m *Message) validate() error {
	switch {
	case m.Version > 3:
		return errors.Wrapf(ErrFieldRange, "version %d", m.Version)
	case m.Type > 3:
		return errors.Wrapf(ErrFieldRange, "type %d", m.Type)
	case m.TokenLength > MaxTokenLength:
		return errors.Wrapf(ErrFieldRange, "token length %d", m.TokenLength)
	case m.Class > 7:
		return errors.Wrapf(ErrFieldRange, "class %d", m.Class)
	case m.Code > 31:
		return errors.Wrapf(ErrFieldRange, "code %d", m.Code)
	case len(m.Token) != int(m.TokenLength):
		return errors.Wrapf(ErrFieldRange, "token has %d bytes, token length is %d", len(m.Token), m.TokenLength)
	case !utf8.ValidString(m.Payload):
		return ErrInvalidPayload
	}
	return nil
}

// Decode parses a datagram into a Message.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrTruncatedMessage
	}

	tkl := data[0] & 0x0f
	if tkl > MaxTokenLength {
		return nil, errors.Wrapf(ErrMalformedHeader, "reserved token length %d", tkl)
	}

	version := data[0] >> 6
	if version != Version1 {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", version)
	}

	if len(data) < HeaderSize+int(tkl) {
		return nil, errors.Wrapf(ErrTruncatedMessage, "%d bytes, need %d", len(data), HeaderSize+int(tkl))
	}

	m := &Message{
		Version:     version,
		Type:        Type((data[0] >> 4) & 0x03),
		TokenLength: tkl,
		Class:       data[1] >> 5,
		Code:        data[1] & 0x1f,
		MessageID:   binary.BigEndian.Uint16(data[2:4]),
	}

	rest := data[HeaderSize:]
	if tkl > 0 {
		m.Token = make([]byte, tkl)
		copy(m.Token, rest[:tkl])
		rest = rest[tkl:]
	}

	if len(rest) == 0 {
		return m, nil
	}
	if rest[0] != PayloadMarker {
		// an option delta/length byte; options are not supported
		return nil, errors.Wrapf(ErrMalformedHeader, "unexpected byte 0x%02x after token", rest[0])
	}

	payload := rest[1:]
	if !utf8.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	m.Payload = string(payload)

	return m, nil
}
