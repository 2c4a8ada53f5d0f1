// Package rpc defines the JSON-RPC 2.0 message envelope shared by the
// north (stdio) and south (child pipe) transports.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// Standard and custom JSON-RPC error codes used on the north side.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestTimeout       = -32001
	CodeSouthNotRunning      = -32000
)

// ID is the sum of integer, string, or present-but-null request
// identifiers. The zero value represents an absent id (a notification).
type ID struct {
	kind   idKind
	intVal int64
	strVal string
}

type idKind uint8

const (
	idAbsent idKind = iota
	idNull
	idInt
	idString
)

func NewIntID(v int64) ID     { return ID{kind: idInt, intVal: v} }
func NewStringID(v string) ID { return ID{kind: idString, strVal: v} }
func NewNullID() ID           { return ID{kind: idNull} }

func (id ID) IsAbsent() bool { return id.kind == idAbsent }
func (id ID) IsNull() bool   { return id.kind == idNull }
func (id ID) IsInt() bool    { return id.kind == idInt }
func (id ID) IsString() bool { return id.kind == idString }

func (id ID) Int() (int64, bool) {
	if id.kind != idInt {
		return 0, false
	}
	return id.intVal, true
}

func (id ID) String() (string, bool) {
	if id.kind != idString {
		return "", false
	}
	return id.strVal, true
}

// Equal reports whether two ids name the same JSON-RPC id, respecting
// the active variant.
func (id ID) Equal(other ID) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case idInt:
		return id.intVal == other.intVal
	case idString:
		return id.strVal == other.strVal
	default:
		return true
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idAbsent:
		return nil, errors.New("rpc: cannot marshal an absent id")
	case idNull:
		return []byte("null"), nil
	case idInt:
		return json.Marshal(id.intVal)
	case idString:
		return json.Marshal(id.strVal)
	default:
		return nil, fmt.Errorf("rpc: unknown id kind %d", id.kind)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*id = ID{kind: idNull}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = ID{kind: idString, strVal: s}
		return nil
	}
	var n int64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("rpc: id is neither string nor integer: %w", err)
	}
	*id = ID{kind: idInt, intVal: n}
	return nil
}

// Message is the wire shape common to both transports: requests carry
// ID+Method, notifications carry Method alone, and responses carry
// ID+(Result xor Error). Params, Result, and Error.Data stay raw JSON;
// the bridge only routes these payloads, it never interprets them.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether m carries both an id and a method.
func (m *Message) IsRequest() bool { return m.ID != nil && !m.ID.IsAbsent() && m.Method != "" }

// IsNotification reports whether m carries a method but no id.
func (m *Message) IsNotification() bool { return (m.ID == nil || m.ID.IsAbsent()) && m.Method != "" }

// IsResponse reports whether m carries an id and either a result or an error.
func (m *Message) IsResponse() bool {
	return m.ID != nil && !m.ID.IsAbsent() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message with the given id, method, and
// already-marshaled params.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response.
func NewResult(id ID, result json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Result: result}
}

// NewError builds an error response.
func NewError(id ID, code int, message string, data json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message, Data: data}}
}

// UnmarshalJSON distinguishes an absent "id" key from a present-but-
// null one: encoding/json's default pointer handling would otherwise
// collapse both to a nil *ID, losing the null variant. It decodes "id"
// through a raw-message side channel and only then hands off to
// ID.UnmarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		ID json.RawMessage `json:"id"`
		*plain
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ID == nil {
		m.ID = nil
		return nil
	}
	var id ID
	if err := json.Unmarshal(aux.ID, &id); err != nil {
		return err
	}
	m.ID = &id
	return nil
}

// Encode marshals m without a trailing newline.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	return json.Marshal(m)
}

// EncodeInto marshals m into buf, appending to whatever buf already
// holds rather than allocating a fresh byte slice, and returns a view
// of just the bytes it wrote (trailing encoder newline trimmed). It
// exists so a caller holding a reused, pooled buffer (the bridge's
// per-request arena) can encode a response without a per-message heap
// allocation.
func EncodeInto(buf *bytes.Buffer, m *Message) (json.RawMessage, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	start := buf.Len()
	if err := json.NewEncoder(buf).Encode(m); err != nil {
		buf.Truncate(start)
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes()[start:], "\n")), nil
}

// Decode unmarshals a single JSON-RPC message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
