// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/server"
	"github.com/go-taskrpc/taskrpc/session"
	"github.com/go-taskrpc/taskrpc/task"
	"github.com/go-taskrpc/taskrpc/transport"
)

// resultSession builds a session suitable for driving a TaskResultHandler
// directly. The peer end just buffers forwarded frames.
func resultSession(t *testing.T) *session.Session {
	t.Helper()

	ta, _ := transport.NewInMemoryTransports()
	conn, err := ta.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sess := session.NewSession(conn, func(ctx context.Context, req *taskrpc.Request) (any, error) {
		return map[string]any{}, nil
	})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// staleReadStore serves a captured earlier snapshot of one task for a fixed
// number of GetTask calls, then delegates. It makes a reader act on state
// that a concurrent writer has already advanced past.
type staleReadStore struct {
	task.Store

	mu     sync.Mutex
	stale  *taskrpc.Task
	serves int
}

func (s *staleReadStore) GetTask(ctx context.Context, taskID string) (*taskrpc.Task, error) {
	s.mu.Lock()
	if s.serves > 0 && s.stale != nil && s.stale.TaskID == taskID {
		s.serves--
		snapshot := *s.stale
		s.mu.Unlock()
		return &snapshot, nil
	}
	s.mu.Unlock()
	return s.Store.GetTask(ctx, taskID)
}

func TestHandleCompletionRacingWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inner := task.NewInMemoryStore()
	queue := task.NewInMemoryMessageQueue()

	created, err := inner.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	want := &taskrpc.CallToolResult{Content: []taskrpc.Content{taskrpc.NewTextContent("done")}}
	if err := inner.StoreResult(ctx, created.TaskID, want); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	if _, err := inner.UpdateTask(ctx, created.TaskID, task.WithStatus(taskrpc.TaskStatusCompleted)); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	// Serve the pre-completion snapshot for the existence check and the
	// first loop pass: the handler decides to wait while the task is
	// already terminal underneath. There is no further update coming, so
	// the wait itself must notice the one it raced against.
	store := &staleReadStore{Store: inner, stale: created, serves: 2}
	h := server.NewTaskResultHandler(store, queue, nil)

	got, err := h.Handle(ctx, resultSession(t), created.TaskID)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(got.Content) != 1 || got.Content[0].Text != "done" {
		t.Fatalf("Handle() result content = %+v, want single text %q", got.Content, "done")
	}
	related, ok := got.Meta[taskrpc.RelatedTaskMetaKey].(map[string]any)
	if !ok || related["taskId"] != created.TaskID {
		t.Errorf("result related-task meta = %v, want taskId %q", got.Meta[taskrpc.RelatedTaskMetaKey], created.TaskID)
	}
}

func TestHandleSkipsIDLessRegistration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := task.NewInMemoryStore()
	queue := task.NewInMemoryMessageQueue()

	created, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// Two requests without ids. Neither reply can ever be correlated, so
	// neither resolver may land on the shared zero key.
	resolvers := make([]*task.Resolver[json.RawMessage], 2)
	for i := range resolvers {
		req, err := taskrpc.NewRequest(taskrpc.RequestID{}, taskrpc.MethodElicitationCreate, map[string]any{"message": "hm"})
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		resolvers[i] = task.NewResolver[json.RawMessage]()
		if err := queue.Enqueue(ctx, created.TaskID, task.NewQueuedRequest(req, resolvers[i])); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	h := server.NewTaskResultHandler(store, queue, nil)
	done := make(chan error, 1)
	go func() {
		_, err := h.Handle(ctx, resultSession(t), created.TaskID)
		done <- err
	}()

	for {
		empty, err := queue.IsEmpty(ctx, created.TaskID)
		if err != nil {
			t.Fatalf("IsEmpty() error = %v", err)
		}
		if empty {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if h.RouteResponse(taskrpc.RequestID{}, json.RawMessage(`{}`)) {
		t.Error("RouteResponse(zero id) = true, want false")
	}
	for i, r := range resolvers {
		if r.Done() {
			t.Errorf("resolver %d settled, want unsettled", i)
		}
	}

	if _, err := store.UpdateTask(ctx, created.TaskID, task.WithStatus(taskrpc.TaskStatusCompleted)); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}
