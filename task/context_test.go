// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-taskrpc/taskrpc"
)

func newTestContext(t *testing.T, store Store) *Context {
	t.Helper()
	created, err := store.CreateTask(context.Background(), taskrpc.TaskMetadata{}, "")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return NewContext(created, store)
}

func TestContextComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	tc := newTestContext(t, store)

	want := &taskrpc.CallToolResult{Content: []taskrpc.Content{taskrpc.NewTextContent("42")}}
	if err := tc.Complete(ctx, want); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := store.GetTask(ctx, tc.TaskID())
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != taskrpc.TaskStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	stored, err := store.GetResult(ctx, tc.TaskID())
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("stored result mismatch (-want +got):\n%s", diff)
	}

	// A second completion is swallowed, the task is already terminal.
	if err := tc.Complete(ctx, want); err != nil {
		t.Errorf("Complete() on terminal task error = %v, want nil", err)
	}
}

func TestContextFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	tc := newTestContext(t, store)

	if err := tc.Fail(ctx, "broke"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, err := store.GetTask(ctx, tc.TaskID())
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != taskrpc.TaskStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.StatusMessage != "broke" {
		t.Errorf("StatusMessage = %q, want %q", got.StatusMessage, "broke")
	}

	if err := tc.Fail(ctx, "again"); err != nil {
		t.Errorf("Fail() on terminal task error = %v, want nil", err)
	}
}

func TestContextCancellationFlag(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	tc := newTestContext(t, store)

	if tc.IsCancelled() {
		t.Fatal("IsCancelled() = true on a fresh context")
	}
	tc.RequestCancellation()
	if !tc.IsCancelled() {
		t.Error("IsCancelled() = false after RequestCancellation()")
	}
}

func TestExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("fn error fails the task with its message", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		created, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}

		wantErr := errors.New("Oops!")
		err = Execution(ctx, store, created.TaskID, func(ctx context.Context, tc *Context) error {
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("Execution() error = %v, want %v", err, wantErr)
		}

		got, err := store.GetTask(ctx, created.TaskID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Status != taskrpc.TaskStatusFailed {
			t.Errorf("Status = %q, want failed", got.Status)
		}
		if got.StatusMessage != "Oops!" {
			t.Errorf("StatusMessage = %q, want %q", got.StatusMessage, "Oops!")
		}
	})

	t.Run("fn error does not override a terminal status", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		created, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}

		err = Execution(ctx, store, created.TaskID, func(ctx context.Context, tc *Context) error {
			if err := tc.Complete(ctx, &taskrpc.CallToolResult{}); err != nil {
				return err
			}
			return errors.New("late failure")
		})
		if err == nil {
			t.Fatal("Execution() error = nil, want the fn error")
		}

		got, err := store.GetTask(ctx, created.TaskID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Status != taskrpc.TaskStatusCompleted {
			t.Errorf("Status = %q, completed must stick", got.Status)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		err := Execution(ctx, store, "missing", func(ctx context.Context, tc *Context) error {
			t.Error("fn must not run for an unknown task")
			return nil
		})
		if !IsNotFound(err) {
			t.Errorf("Execution(missing) error = %v, want NotFoundError", err)
		}
	})
}

func TestCancelHelper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancels a working task", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		created, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}

		got, err := Cancel(ctx, store, created.TaskID)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if got.Status != taskrpc.TaskStatusCancelled {
			t.Errorf("Status = %q, want cancelled", got.Status)
		}
	})

	t.Run("terminal task cannot be cancelled", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		created, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, "")
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		if _, err := store.UpdateTask(ctx, created.TaskID, WithStatus(taskrpc.TaskStatusCompleted)); err != nil {
			t.Fatalf("UpdateTask() error = %v", err)
		}

		_, err = Cancel(ctx, store, created.TaskID)
		var rpcErr *taskrpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != taskrpc.CodeInvalidParams {
			t.Errorf("Cancel(terminal) error = %v, want invalid-params", err)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()

		store := NewInMemoryStore()
		_, err := Cancel(ctx, store, "missing")
		if !errors.Is(err, taskrpc.ErrInvalidParams) {
			t.Errorf("Cancel(missing) error = %v, want invalid-params not-found", err)
		}
	})
}
