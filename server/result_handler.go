// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/session"
	"github.com/go-taskrpc/taskrpc/task"
)

// TaskResultHandler serves the blocking result call for a task. While the
// task runs, queued nested messages are forwarded to the submitter and, for
// requests, their eventual replies are joined back to the waiting task work.
//
// It implements [session.ResponseRouter] for those replies.
type TaskResultHandler struct {
	store  task.Store
	queue  task.MessageQueue
	logger *slog.Logger

	mu      sync.Mutex
	pending map[taskrpc.RequestID]*task.Resolver[json.RawMessage]
}

var _ session.ResponseRouter = (*TaskResultHandler)(nil)

// NewTaskResultHandler creates a TaskResultHandler over the given substrate.
func NewTaskResultHandler(store task.Store, queue task.MessageQueue, logger *slog.Logger) *TaskResultHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskResultHandler{
		store:   store,
		queue:   queue,
		logger:  logger,
		pending: make(map[taskrpc.RequestID]*task.Resolver[json.RawMessage]),
	}
}

// Handle blocks until the task reaches a terminal status, forwarding queued
// nested messages to the submitter as they appear. It returns the stored
// result, or an empty result for a terminal task that stored none, tagged
// with the related-task metadata.
func (h *TaskResultHandler) Handle(ctx context.Context, sess *session.Session, taskID string) (*taskrpc.CallToolResult, error) {
	if _, err := h.store.GetTask(ctx, taskID); err != nil {
		if task.IsNotFound(err) {
			return nil, taskrpc.NewTaskNotFoundError(taskID)
		}
		return nil, err
	}

	for {
		if err := h.drain(ctx, sess, taskID); err != nil {
			return nil, err
		}

		t, err := h.store.GetTask(ctx, taskID)
		if err != nil {
			if task.IsNotFound(err) {
				return nil, taskrpc.NewTaskNotFoundError(taskID)
			}
			return nil, err
		}
		if t.Status.Terminal() {
			// One final drain so nothing enqueued during the last transition
			// is stranded.
			if err := h.drain(ctx, sess, taskID); err != nil {
				return nil, err
			}
			return h.finalResult(ctx, taskID)
		}

		if err := h.waitNext(ctx, taskID, t.LastUpdatedAt); err != nil {
			return nil, err
		}
	}
}

// RouteResponse implements [session.ResponseRouter]. It reports whether a
// pending nested request matched; unknown or already-settled ids return
// false and are never an error.
func (h *TaskResultHandler) RouteResponse(id taskrpc.RequestID, result json.RawMessage) bool {
	resolver, ok := h.take(id)
	if !ok {
		return false
	}
	return resolver.SetResult(result) == nil
}

// RouteError implements [session.ResponseRouter].
func (h *TaskResultHandler) RouteError(id taskrpc.RequestID, rpcErr *taskrpc.Error) bool {
	resolver, ok := h.take(id)
	if !ok {
		return false
	}
	return resolver.SetError(rpcErr) == nil
}

// drain forwards every queued message for the task to the submitter.
func (h *TaskResultHandler) drain(ctx context.Context, sess *session.Session, taskID string) error {
	for {
		qm, err := h.queue.Dequeue(ctx, taskID)
		if err != nil {
			return err
		}
		if qm == nil {
			return nil
		}

		// An id-less request has no reply to join; registering it would pile
		// every such resolver onto the zero key.
		if qm.Type == task.MessageTypeRequest && qm.Resolver != nil && qm.OriginalRequestID.IsValid() {
			h.register(qm.OriginalRequestID, qm.Resolver)
		}
		// Forward even when registration was redundant; the submitter decides
		// what to do with the message.
		if err := sess.Forward(ctx, qm.Message); err != nil {
			h.logger.Warn("forward nested message",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
			if qm.Resolver != nil {
				_ = qm.Resolver.SetError(err)
			}
			return err
		}
	}
}

// waitNext blocks until either the task's stored state changes or its queue
// becomes non-empty. since is the lastUpdatedAt of the snapshot the caller
// acted on; an update that landed after that snapshot returns immediately
// instead of waiting for one that may never come. One wait source failing
// does not abort the call while the other can still fire.
func (h *TaskResultHandler) waitNext(ctx context.Context, taskID string, since time.Time) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- h.store.WaitForUpdate(raceCtx, taskID, since) }()
	go func() { done <- h.queue.WaitForMessage(raceCtx, taskID) }()

	var firstErr error
	for range 2 {
		err := <-done
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		firstErr = err
	}
	return firstErr
}

func (h *TaskResultHandler) finalResult(ctx context.Context, taskID string) (*taskrpc.CallToolResult, error) {
	result, err := h.store.GetResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &taskrpc.CallToolResult{Content: []taskrpc.Content{}}
	}
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	result.Meta[taskrpc.RelatedTaskMetaKey] = map[string]any{"taskId": taskID}
	return result, nil
}

func (h *TaskResultHandler) register(id taskrpc.RequestID, resolver *task.Resolver[json.RawMessage]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[id.Norm()] = resolver
}

func (h *TaskResultHandler) take(id taskrpc.RequestID) (*task.Resolver[json.RawMessage], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resolver, ok := h.pending[id.Norm()]
	if ok {
		delete(h.pending, id.Norm())
	}
	return resolver, ok
}
