// Package jsonrpc provides the JSON-RPC 2.0 wire types used on every backend
// pipe, and a Framer that reassembles complete newline-delimited messages
// from an arbitrarily fragmented byte stream.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the protocol version stamped on every outbound message.
const Version = "2.0"

// Message is a single JSON-RPC 2.0 message: a request (id + method), a
// notification (method, no id), or a response (id + result-or-error).
// ID is kept raw because backends may answer with either numbers or strings.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a JSON-RPC 2.0 response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard and Kagami-assigned JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeBackendUnavailable = -32000
	CodeTimeout            = -32001
	CodeShutdown           = -32002
)

// IsResponse reports whether m carries a result or error for an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether m is a method call with no id (no reply expected).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsRequest reports whether m is a method call that expects a reply.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IntID returns the message id as an int64 when it is a JSON number, which is
// the only id shape Kagami ever assigns. Responses carrying any other id
// shape can never match a pending request.
func (m *Message) IntID() (int64, bool) {
	if m.ID == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(m.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NumberID renders an int64 id as a raw JSON value.
func NumberID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// NewRequest builds an outbound request. params may be nil, a marshalable
// value, or an already-encoded json.RawMessage.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: NumberID(id), Method: method, Params: raw}, nil
}

// NewNotification builds an outbound notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, msg string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: msg}}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
