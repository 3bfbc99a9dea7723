package coapfs

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrResponseSchema is returned when a decoded response lacks a key the
// issuing command needs, or the key holds a value of the wrong shape.
var ErrResponseSchema = errors.New("response schema violation")

// Kind identifies one of the file service operations.
type Kind uint8

// Command kinds.
const (
	KindDetails Kind = iota + 1
	KindCreate
	KindOpen
	KindSave
	KindDelete
	KindRename
	KindMove
	KindSearch
)

var kindNames = map[Kind]string{
	KindDetails: "details",
	KindCreate:  "create",
	KindOpen:    "open",
	KindSave:    "save",
	KindDelete:  "delete",
	KindRename:  "rename",
	KindMove:    "move",
	KindSearch:  "search",
}

// String returns the operation name sent as the "cmd" payload key.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is an application-level operation against the file service.
//
// The set of commands is closed: Details, Create, Open, Save, Delete,
// Rename, Move and Search are the only implementations. A command performs
// no I/O; it describes its request and interprets its response.
type Command interface {
	// Kind reports which operation this is.
	Kind() Kind
	// Class and Code are the request class/code for the message header.
	Class() uint8
	Code() uint8
	// Type is the message type the request must be sent with.
	Type() Type
	// ResponseNeeded reports whether the caller should wait for a reply.
	ResponseNeeded() bool
	// Payload returns the JSON request body.
	Payload() (string, error)
	// ParseResponse interprets a decoded response body and invokes the
	// continuation, if any. It reports whether the continuation ran.
	ParseResponse(data any) (bool, error)

	command()
}

// NewRequest builds the request envelope for cmd.
// The message id and token are owned by the caller and used to correlate
// the response.
func NewRequest(cmd Command, id uint16, token []byte) (*Message, error) {
	if len(token) > MaxTokenLength {
		return nil, errors.Wrapf(ErrFieldRange, "token length %d", len(token))
	}

	payload, err := cmd.Payload()
	if err != nil {
		return nil, err
	}

	return &Message{
		Version:     Version1,
		Type:        cmd.Type(),
		TokenLength: uint8(len(token)),
		Class:       cmd.Class(),
		Code:        cmd.Code(),
		MessageID:   id,
		Token:       token,
		Payload:     payload,
	}, nil
}

// DecodeResponse parses a response payload into the generic value passed
// to Command.ParseResponse. An empty payload decodes to nil.
func DecodeResponse(payload string) (any, error) {
	if payload == "" {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, errors.Wrapf(ErrResponseSchema, "invalid json: %v", err)
	}
	return v, nil
}

func marshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}
	return string(b), nil
}

func field(data any, key string) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrResponseSchema, "response is %T, want object", data)
	}
	v, ok := m[key]
	if !ok {
		return nil, errors.Wrapf(ErrResponseSchema, "missing key %q", key)
	}
	return v, nil
}

func stringField(data any, key string) (string, error) {
	v, err := field(data, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(ErrResponseSchema, "key %q is %T, want string", key, v)
	}
	return s, nil
}
