// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/go-taskrpc/taskrpc"
)

// NewTaskState builds a fresh working-status [taskrpc.Task] from metadata.
// When taskID is empty a new UUID is generated. The returned task is not yet
// stored anywhere.
func NewTaskState(metadata taskrpc.TaskMetadata, taskID string) *taskrpc.Task {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	now := time.Now()
	return &taskrpc.Task{
		TaskID:        taskID,
		Status:        taskrpc.TaskStatusWorking,
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTL:           metadata.TTL,
	}
}

// Cancel transitions a task to the cancelled status. A task already in a
// terminal status cannot be cancelled; the error names the state so callers
// can surface it verbatim.
func Cancel(ctx context.Context, store Store, taskID string) (*taskrpc.Task, error) {
	t, err := store.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return nil, taskrpc.NewTaskNotFoundError(taskID)
		}
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, &taskrpc.Error{
			Code:    taskrpc.CodeInvalidParams,
			Message: fmt.Sprintf("Cannot cancel task in terminal state '%s'", t.Status),
		}
	}
	return store.UpdateTask(ctx, taskID, WithStatus(taskrpc.TaskStatusCancelled))
}
