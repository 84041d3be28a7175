// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"sync/atomic"

	"github.com/go-taskrpc/taskrpc"
)

// Context is the only interface the executing work uses to affect its task.
// It keeps the work from reaching into shared stores directly.
type Context struct {
	store     Store
	taskID    string
	cancelled atomic.Bool
}

// NewContext binds a [Context] to one task.
func NewContext(t *taskrpc.Task, store Store) *Context {
	return &Context{store: store, taskID: t.TaskID}
}

// TaskID returns the bound task's id.
func (c *Context) TaskID() string { return c.taskID }

// Task returns a current snapshot of the task from the store.
func (c *Context) Task(ctx context.Context) (*taskrpc.Task, error) {
	return c.store.GetTask(ctx, c.taskID)
}

// IsCancelled reports whether cancellation was requested. The flag is
// advisory: the work is expected to observe it and terminate itself.
func (c *Context) IsCancelled() bool { return c.cancelled.Load() }

// RequestCancellation sets the cancellation flag. It does not change the
// task's status.
func (c *Context) RequestCancellation() { c.cancelled.Store(true) }

// UpdateStatus overwrites the task's progress message.
func (c *Context) UpdateStatus(ctx context.Context, message string) error {
	_, err := c.store.UpdateTask(ctx, c.taskID, WithStatusMessage(message))
	return err
}

// Complete stores the result then transitions the task to completed.
// Calling it on an already-terminal task is a no-op.
func (c *Context) Complete(ctx context.Context, result *taskrpc.CallToolResult) error {
	t, err := c.store.GetTask(ctx, c.taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if err := c.store.StoreResult(ctx, c.taskID, result); err != nil {
		return err
	}
	_, err = c.store.UpdateTask(ctx, c.taskID, WithStatus(taskrpc.TaskStatusCompleted))
	return err
}

// Fail transitions the task to failed with the given message. Calling it on
// an already-terminal task is a no-op.
func (c *Context) Fail(ctx context.Context, message string) error {
	t, err := c.store.GetTask(ctx, c.taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	_, err = c.store.UpdateTask(ctx, c.taskID, WithStatusAndMessage(taskrpc.TaskStatusFailed, message))
	return err
}

// Execution runs fn inside a scoped task execution. An unknown task id
// errors before fn runs. When fn returns an error and the task has not
// already reached a terminal status, the task is failed with the error's
// message; a terminal status set inside fn is left untouched. The error from
// fn is returned either way.
func Execution(ctx context.Context, store Store, taskID string, fn func(context.Context, *Context) error) error {
	t, err := store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	tc := NewContext(t, store)

	if err := fn(ctx, tc); err != nil {
		if cur, gerr := store.GetTask(ctx, taskID); gerr == nil && !cur.Status.Terminal() {
			_ = tc.Fail(ctx, err.Error())
		}
		return err
	}
	return nil
}
