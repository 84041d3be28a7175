// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package taskrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RPC method names.
const (
	// MethodInitialize negotiates capabilities between the two peers.
	MethodInitialize = "initialize"
	// MethodPing is a no-op liveness request.
	MethodPing = "ping"
	// MethodToolsCall invokes a tool, optionally task-augmented.
	MethodToolsCall = "tools/call"
	// MethodTasksGet returns a non-blocking task status snapshot.
	MethodTasksGet = "tasks/get"
	// MethodTasksResult blocks until the task result or a nested message is available.
	MethodTasksResult = "tasks/result"
	// MethodTasksCancel requests cancellation of a task.
	MethodTasksCancel = "tasks/cancel"
	// MethodTasksList enumerates known tasks.
	MethodTasksList = "tasks/list"
	// MethodElicitationCreate asks the submitter for structured input.
	MethodElicitationCreate = "elicitation/create"
	// MethodSamplingCreateMessage asks the submitter for a model completion.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodNotificationCancelled is the notification citing a request id to abandon.
	MethodNotificationCancelled = "notifications/cancelled"
	// MethodNotificationTaskStatus is the notification carrying a task status update.
	MethodNotificationTaskStatus = "notifications/tasks/status"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// RequestID is the unique identifier for JSON-RPC request/response
// correlation. The zero value is the absent id (a notification).
//
// On the wire an id is either a JSON string or a JSON number. Peers are not
// required to echo the sender's representation exactly: a reply whose id is
// the decimal-string form of the integer id the sender used still correlates.
// Any other string id never matches an integer-keyed request.
type RequestID struct {
	value any // int64 | string | nil
}

// NewRequestID creates a [RequestID] from an int64 or string value.
func NewRequestID[T int64 | string](v T) RequestID {
	return RequestID{value: v}
}

// IsValid reports whether the id is present.
func (id RequestID) IsValid() bool { return id.value != nil }

// Norm returns the id under which in-flight requests are keyed: a string id
// that is the exact decimal form of an integer collapses onto the integer id.
// "0" matches 0; "007" and "abc" match nothing numeric.
func (id RequestID) Norm() RequestID {
	if s, ok := id.value.(string); ok {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(v, 10) == s {
			return RequestID{value: v}
		}
	}
	return id
}

// String implements fmt.Stringer.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return "<nil>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch v := id.value.(type) {
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case string:
		return json.Marshal(v)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id.value = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or an integer: %w", err)
	}
	id.value = n
	return nil
}

// Message is a JSON-RPC 2.0 message: a [*Request], [*Notification] or
// [*Response].
type Message interface {
	message()
}

// Request represents a JSON-RPC 2.0 request carrying an id.
type Request struct {
	// JSONRPC version, always "2.0".
	JSONRPC string `json:"jsonrpc"`
	// ID correlates the eventual response to this request.
	ID RequestID `json:"id"`
	// Method identifies the operation to perform.
	Method string `json:"method"`
	// Params contains parameters for the method.
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) message() {}

// NewRequest creates a new [Request] with the given id, method and params.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// Notification represents a JSON-RPC 2.0 notification: a request without an
// id, expecting no reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (*Notification) message() {}

// NewNotification creates a new [Notification].
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Response represents a JSON-RPC 2.0 response. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (*Response) message() {}

// NewResponse creates a successful [Response] for the given id.
func NewResponse(id RequestID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error [Response] for the given id.
func NewErrorResponse(id RequestID, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// DecodeMessage decodes a single JSON-RPC message from raw bytes, determining
// its kind from the fields present: an id and a method make a [*Request], a
// method alone a [*Notification], anything else a [*Response].
func DecodeMessage(data []byte) (Message, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      RequestID       `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if probe.JSONRPC != Version {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrInvalidRequest, probe.JSONRPC)
	}

	switch {
	case probe.Method != "" && probe.ID.IsValid():
		return &Request{JSONRPC: probe.JSONRPC, ID: probe.ID, Method: probe.Method, Params: probe.Params}, nil
	case probe.Method != "":
		return &Notification{JSONRPC: probe.JSONRPC, Method: probe.Method, Params: probe.Params}, nil
	case probe.ID.IsValid():
		return &Response{JSONRPC: probe.JSONRPC, ID: probe.ID, Result: probe.Result, Error: probe.Error}, nil
	default:
		return nil, fmt.Errorf("%w: message has neither method nor id", ErrInvalidRequest)
	}
}

// EncodeMessage encodes a single JSON-RPC message to raw bytes.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
