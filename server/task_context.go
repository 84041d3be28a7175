// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/task"
)

// idSource produces fresh request ids. Satisfied by [session.RequestRouter].
type idSource interface {
	NextID() taskrpc.RequestID
}

// TaskContext is the execution context handed to task-augmented tool work.
// On top of the base [task.Context] it can converse with the submitter
// through the task's message queue: nested requests are picked up by the
// submitter's blocking result call and their replies settle here.
type TaskContext struct {
	*task.Context

	store task.Store
	queue task.MessageQueue
	ids   idSource
}

// NewTaskContext wraps base with the messaging substrate.
func NewTaskContext(base *task.Context, store task.Store, queue task.MessageQueue, ids idSource) *TaskContext {
	return &TaskContext{Context: base, store: store, queue: queue, ids: ids}
}

// Elicit asks the submitter for structured input described by schema. The
// task is put into input_required while the question is outstanding and
// returned to working once the submitter answers.
func (c *TaskContext) Elicit(ctx context.Context, message string, schema map[string]any) (*taskrpc.ElicitResult, error) {
	params := &taskrpc.ElicitParams{
		Message:         message,
		RequestedSchema: schema,
		Meta:            taskrpc.RelatedTaskMeta(c.TaskID()),
	}
	raw, err := c.roundTrip(ctx, taskrpc.MethodElicitationCreate, params, message)
	if err != nil {
		return nil, err
	}
	var result taskrpc.ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal elicitation result: %w", err)
	}
	return &result, nil
}

// CreateMessage asks the submitter for a model completion. Like [Elicit],
// the task shows input_required while the request is outstanding.
func (c *TaskContext) CreateMessage(ctx context.Context, params *taskrpc.CreateMessageParams) (*taskrpc.CreateMessageResult, error) {
	if params.Meta == nil {
		params.Meta = taskrpc.RelatedTaskMeta(c.TaskID())
	} else {
		params.Meta[taskrpc.RelatedTaskMetaKey] = map[string]any{"taskId": c.TaskID()}
	}
	raw, err := c.roundTrip(ctx, taskrpc.MethodSamplingCreateMessage, params, "Waiting for model completion")
	if err != nil {
		return nil, err
	}
	var result taskrpc.CreateMessageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal sampling result: %w", err)
	}
	return &result, nil
}

// NotifyStatus updates the task's status message and pushes a status
// notification through the queue so a blocked result call sees it.
func (c *TaskContext) NotifyStatus(ctx context.Context, message string) error {
	if err := c.UpdateStatus(ctx, message); err != nil {
		return err
	}
	t, err := c.Task(ctx)
	if err != nil {
		return err
	}
	n, err := taskrpc.NewNotification(taskrpc.MethodNotificationTaskStatus, &taskrpc.TaskStatusParams{
		TaskID:        c.TaskID(),
		Status:        t.Status,
		StatusMessage: message,
	})
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, c.TaskID(), task.NewQueuedNotification(n))
}

// roundTrip enqueues a nested request and blocks for its reply, managing the
// input_required status window around it.
func (c *TaskContext) roundTrip(ctx context.Context, method string, params any, statusMessage string) (json.RawMessage, error) {
	req, err := taskrpc.NewRequest(c.ids.NextID(), method, params)
	if err != nil {
		return nil, err
	}
	resolver := task.NewResolver[json.RawMessage]()

	if _, err := c.store.UpdateTask(ctx, c.TaskID(), task.WithStatusAndMessage(taskrpc.TaskStatusInputRequired, statusMessage)); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, c.TaskID(), task.NewQueuedRequest(req, resolver)); err != nil {
		return nil, err
	}

	raw, waitErr := resolver.Wait(ctx)

	// Best effort. The task may have gone terminal while we were blocked.
	if t, err := c.store.GetTask(ctx, c.TaskID()); err == nil && !t.Status.Terminal() {
		_, _ = c.store.UpdateTask(ctx, c.TaskID(), task.WithStatus(taskrpc.TaskStatusWorking))
	}

	if waitErr != nil {
		return nil, waitErr
	}
	return raw, nil
}
