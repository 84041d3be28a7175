// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package taskrpc

import "fmt"

// Standard JSON-RPC 2.0 error codes.
const (
	// CodeParseError indicates invalid JSON payload.
	CodeParseError = -32700
	// CodeInvalidRequest indicates request payload validation error.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound indicates the method does not exist.
	CodeMethodNotFound = -32601
	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602
	// CodeInternalError indicates an internal error.
	CodeInternalError = -32603
)

// Protocol-specific error codes.
const (
	// CodeConnectionClosed indicates the connection closed while a request was outstanding.
	CodeConnectionClosed = -32000
	// CodeRequestTimeout indicates a request exceeded its deadline.
	CodeRequestTimeout = -32001
	// CodeRequestCancelled indicates a request was abandoned after a cancellation notification.
	CodeRequestCancelled = -32800
)

// Error is a protocol-level error: the JSON-RPC error object, also used as a
// Go error value on the sending side.
type Error struct {
	// Code is the error code.
	Code int `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data contains optional additional error details.
	Data any `json:"data,omitempty"`
}

// NewError creates a new [*Error] with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an [*Error] with the same code, so wrapped
// protocol errors compare against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithData returns a copy of e carrying structured details.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// Sentinel protocol errors. Callers distinguish outcomes with errors.Is.
var (
	// ErrParse indicates an invalid JSON payload.
	ErrParse = NewError(CodeParseError, "Invalid JSON payload")

	// ErrInvalidRequest indicates a request payload validation error.
	ErrInvalidRequest = NewError(CodeInvalidRequest, "Request payload validation error")

	// ErrMethodNotFound indicates the requested method does not exist.
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")

	// ErrInvalidParams indicates invalid method parameters.
	ErrInvalidParams = NewError(CodeInvalidParams, "Invalid parameters")

	// ErrInternal indicates an internal error.
	ErrInternal = NewError(CodeInternalError, "Internal error")

	// ErrConnectionClosed fails every request still in flight when the
	// underlying connection closes.
	ErrConnectionClosed = NewError(CodeConnectionClosed, "Connection closed")

	// ErrRequestTimeout fails a request whose reply did not arrive in time.
	ErrRequestTimeout = NewError(CodeRequestTimeout, "Timed out")

	// ErrRequestCancelled fails a request abandoned after a cancellation
	// notification from the peer.
	ErrRequestCancelled = NewError(CodeRequestCancelled, "Request cancelled")
)

// NewTaskNotFoundError creates the error returned when operating on an
// unknown task id.
func NewTaskNotFoundError(taskID string) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("Task %s not found", taskID)}
}
