// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"time"

	"github.com/go-taskrpc/taskrpc"
)

// StatusUpdate describes a partial task mutation. Nil fields leave the
// corresponding task field unchanged.
type StatusUpdate struct {
	// Status is the next lifecycle state, or nil to keep the current one.
	Status *taskrpc.TaskStatus
	// StatusMessage overwrites the progress string, or nil to keep it.
	StatusMessage *string
}

// WithStatus builds a [StatusUpdate] changing only the status.
func WithStatus(status taskrpc.TaskStatus) StatusUpdate {
	return StatusUpdate{Status: &status}
}

// WithStatusMessage builds a [StatusUpdate] changing only the message.
func WithStatusMessage(message string) StatusUpdate {
	return StatusUpdate{StatusMessage: &message}
}

// WithStatusAndMessage builds a [StatusUpdate] changing both fields.
func WithStatusAndMessage(status taskrpc.TaskStatus, message string) StatusUpdate {
	return StatusUpdate{Status: &status, StatusMessage: &message}
}

// Store is the single source of truth for task existence, status and stored
// results. It is the rendezvous point other components wait on.
//
// Stores must enforce the terminal-status invariant: once a task reaches
// completed, failed or cancelled, a transition to a different status is
// rejected with a [*TerminalTransitionError]. Re-asserting the same status or
// updating only the message stays legal.
type Store interface {
	// CreateTask allocates a task in the working status. When taskID is
	// empty a fresh unique id is generated; a duplicate id is rejected with
	// a [*ExistsError]. A nil metadata TTL is stored as nil, not defaulted.
	CreateTask(ctx context.Context, metadata taskrpc.TaskMetadata, taskID string) (*taskrpc.Task, error)

	// GetTask returns a snapshot of the task, or a [*NotFoundError].
	GetTask(ctx context.Context, taskID string) (*taskrpc.Task, error)

	// UpdateTask applies a partial mutation, refreshes lastUpdatedAt and
	// wakes WaitForUpdate callers for the task.
	UpdateTask(ctx context.Context, taskID string, update StatusUpdate) (*taskrpc.Task, error)

	// StoreResult associates the terminal result payload with the task.
	// Result storage is independent of the status transition.
	StoreResult(ctx context.Context, taskID string, result *taskrpc.CallToolResult) error

	// GetResult returns the stored result, or nil when none was stored.
	GetResult(ctx context.Context, taskID string) (*taskrpc.CallToolResult, error)

	// ListTasks returns one page of task snapshots and the cursor for the
	// next page, empty when this page is the last.
	ListTasks(ctx context.Context, cursor string) ([]taskrpc.Task, string, error)

	// DeleteTask removes the task, reporting whether it existed.
	DeleteTask(ctx context.Context, taskID string) (bool, error)

	// WaitForUpdate suspends the caller until the task is updated. It
	// returns immediately when the task was already updated after since,
	// so an update landing between the caller's snapshot read and this
	// call is never missed. Unknown ids error immediately. Multiple
	// concurrent waiters are supported.
	WaitForUpdate(ctx context.Context, taskID string, since time.Time) error

	// Cleanup releases task, result and event state for the given tasks, or
	// for all tasks when none are named.
	Cleanup(taskIDs ...string)
}
