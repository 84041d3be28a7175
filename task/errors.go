// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"errors"
	"fmt"

	"github.com/go-taskrpc/taskrpc"
)

// NotFoundError reports an operation on an unknown task id.
type NotFoundError struct {
	TaskID string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// ExistsError reports a create with a task id that is already in use.
type ExistsError struct {
	TaskID string
}

// Error returns the error message.
func (e *ExistsError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

// TerminalTransitionError reports an attempt to move a task out of a
// terminal status.
type TerminalTransitionError struct {
	TaskID string
	From   taskrpc.TaskStatus
	To     taskrpc.TaskStatus
}

// Error returns the error message.
func (e *TerminalTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from terminal status %q to %q", e.TaskID, e.From, e.To)
}

// InvalidCursorError reports an unparseable pagination cursor.
type InvalidCursorError struct {
	Cursor string
}

// Error returns the error message.
func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("invalid cursor %q", e.Cursor)
}

// IsNotFound reports whether err is a [*NotFoundError].
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
