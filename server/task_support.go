// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-taskrpc/taskrpc/task"
)

// TaskSupport bundles the storage and messaging substrate of the task
// subsystem and tracks the background goroutines running task work.
type TaskSupport struct {
	store  task.Store
	queue  task.MessageQueue
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewTaskSupport creates a TaskSupport. A nil store or queue selects the
// in-memory implementation.
func NewTaskSupport(store task.Store, queue task.MessageQueue, logger *slog.Logger) *TaskSupport {
	if store == nil {
		store = task.NewInMemoryStore()
	}
	if queue == nil {
		queue = task.NewInMemoryMessageQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskSupport{store: store, queue: queue, logger: logger}
}

// Store returns the task store.
func (ts *TaskSupport) Store() task.Store { return ts.store }

// Queue returns the message queue.
func (ts *TaskSupport) Queue() task.MessageQueue { return ts.queue }

// Run executes work for the task in a background goroutine. The work runs
// under [task.Execution], so a returned error fails the task unless it is
// already terminal. The goroutine outlives the request that spawned it.
func (ts *TaskSupport) Run(ctx context.Context, taskID string, work func(context.Context, *task.Context) error) {
	bg := context.WithoutCancel(ctx)
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		if err := task.Execution(bg, ts.store, taskID, work); err != nil {
			ts.logger.Warn("task work failed",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until all spawned task work has returned.
func (ts *TaskSupport) Wait() {
	ts.wg.Wait()
}

// Cleanup releases queue and store state for the given tasks, or for all
// tasks when none are named.
func (ts *TaskSupport) Cleanup(taskIDs ...string) {
	ts.queue.Cleanup(taskIDs...)
	ts.store.Cleanup(taskIDs...)
}
