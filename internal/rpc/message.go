// Package rpc defines the JSON-RPC 2.0 message shapes exchanged with snap
// jobs and the error taxonomy shared by every layer that answers a
// caller.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only supported JSON-RPC protocol version.
const Version = "2.0"

// Message is any JSON-RPC 2.0 object: a request (ID and Method), a
// notification (Method, no ID) or a response (ID and Result or Error).
// IDs are kept raw so a numeric ID from a snap is echoed back unchanged.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether m is a method call without an ID.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsRequest reports whether m is a method call expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) != 0
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) != 0 && (m.Result != nil || m.Error != nil)
}

// IDKey returns the ID in a form usable as a map key.
func (m *Message) IDKey() string {
	return string(bytes.TrimSpace(m.ID))
}

// Request is the host-side view of an incoming call: who sent it, which
// method, and the raw params.
type Request struct {
	Origin string          `json:"origin"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewID returns a fresh request ID encoded as a JSON string.
func NewID() json.RawMessage {
	id, _ := json.Marshal(uuid.NewString())
	return id
}

// NewRequest builds a request with a fresh ID. params may be nil.
func NewRequest(method string, params any) (*Message, error) {
	m, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	m.ID = NewID()
	return m, nil
}

// NewNotification builds an ID-less method call.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding params for %s: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a successful response to id. A nil result encodes as
// JSON null.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response to id from any error.
func NewErrorResponse(id json.RawMessage, err error) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: FromError(err)}
}

// Decode parses a single JSON-RPC message and checks its version.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ParseError("%s", err.Error())
	}
	if m.JSONRPC != Version {
		return nil, InvalidRequest("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Method == "" && len(m.ID) == 0 {
		return nil, InvalidRequest("message has neither method nor id")
	}
	return &m, nil
}

// UnmarshalParams decodes params into v. Missing params leave v untouched.
func UnmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams("%s", err.Error())
	}
	return nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
