// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/client"
	"github.com/go-taskrpc/taskrpc/server"
	"github.com/go-taskrpc/taskrpc/transport"
)

// startPair connects a server and a client over in-memory transports and
// runs the initialize handshake.
func startPair(t *testing.T, srv *server.Server, clientOpts ...client.Option) *client.ClientSession {
	t.Helper()
	ctx := context.Background()

	ts, tc := transport.NewInMemoryTransports()
	srvSess, err := srv.Connect(ctx, ts)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}

	cs, err := client.Connect(ctx, tc, clientOpts...)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = cs.Close()
		_ = srvSess.Close()
	})

	init, err := cs.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if init.ProtocolVersion != taskrpc.ProtocolVersion {
		t.Fatalf("ProtocolVersion = %q, want %q", init.ProtocolVersion, taskrpc.ProtocolVersion)
	}
	return cs
}

func newTaskServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.NewServer("test-server")
	srv.EnableTasks(nil, nil)
	return srv
}

func TestInitializeCapabilities(t *testing.T) {
	t.Parallel()

	t.Run("tasks enabled", func(t *testing.T) {
		t.Parallel()

		ts, tc := transport.NewInMemoryTransports()
		srv := newTaskServer(t)
		srvSess, err := srv.Connect(context.Background(), ts)
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		cs, err := client.Connect(context.Background(), tc)
		if err != nil {
			t.Fatalf("client Connect() error = %v", err)
		}
		t.Cleanup(func() {
			_ = cs.Close()
			_ = srvSess.Close()
		})

		init, err := cs.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if init.Capabilities.Tasks == nil || init.Capabilities.Tasks.List == nil || init.Capabilities.Tasks.Cancel == nil {
			t.Errorf("Capabilities.Tasks = %+v, want list and cancel advertised", init.Capabilities.Tasks)
		}
		if init.ServerName != "test-server" {
			t.Errorf("ServerName = %q, want test-server", init.ServerName)
		}
	})
}

func TestPing(t *testing.T) {
	t.Parallel()

	cs := startPair(t, newTaskServer(t))
	if err := cs.SendPing(context.Background()); err != nil {
		t.Errorf("SendPing() error = %v", err)
	}
}

func TestImmediateToolCall(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	srv.RegisterTool("upper", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		if call.Task != nil {
			t.Error("immediate call must not carry a task context")
		}
		s, _ := call.Params.Arguments["s"].(string)
		return &taskrpc.CallToolResult{Content: []taskrpc.Content{taskrpc.NewTextContent(s + "!")}}, nil
	})

	cs := startPair(t, srv)
	result, err := cs.CallTool(context.Background(), &taskrpc.CallToolParams{
		Name:      "upper",
		Arguments: map[string]any{"s": "hey"},
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	want := []taskrpc.Content{taskrpc.NewTextContent("hey!")}
	if diff := cmp.Diff(want, result.Content); diff != "" {
		t.Errorf("result content mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownTool(t *testing.T) {
	t.Parallel()

	cs := startPair(t, newTaskServer(t))
	_, err := cs.CallTool(context.Background(), &taskrpc.CallToolParams{Name: "nope"})
	if !errors.Is(err, taskrpc.ErrInvalidParams) {
		t.Errorf("CallTool(nope) error = %v, want invalid-params", err)
	}
}

func TestTaskAugmentedCall(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	srv.RegisterTool("slow-add", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		if call.Task == nil {
			return nil, errors.New("expected a task-augmented call")
		}
		a, _ := call.Params.Arguments["a"].(float64)
		b, _ := call.Params.Arguments["b"].(float64)
		return &taskrpc.CallToolResult{
			Content: []taskrpc.Content{taskrpc.NewTextContent(fmt.Sprintf("%g", a+b))},
		}, nil
	})

	cs := startPair(t, srv)
	ctx := context.Background()

	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{
		Name:      "slow-add",
		Arguments: map[string]any{"a": float64(2), "b": float64(3)},
	}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}
	if ack.Task.TaskID == "" {
		t.Fatal("acknowledgment carries no task id")
	}
	if ack.Task.Status != taskrpc.TaskStatusWorking {
		t.Errorf("ack status = %q, want working", ack.Task.Status)
	}

	result, err := cs.GetTaskResult(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "5" {
		t.Errorf("result content = %+v, want a single \"5\"", result.Content)
	}

	related, ok := result.Meta[taskrpc.RelatedTaskMetaKey].(map[string]any)
	if !ok || related["taskId"] != ack.Task.TaskID {
		t.Errorf("result meta = %+v, want related-task tag for %s", result.Meta, ack.Task.TaskID)
	}

	// The terminal snapshot is still queryable.
	snap, err := cs.GetTask(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if snap.Status != taskrpc.TaskStatusCompleted {
		t.Errorf("snapshot status = %q, want completed", snap.Status)
	}
}

func TestTaskFailure(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	srv.RegisterTool("broken", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		return nil, errors.New("Oops!")
	})

	cs := startPair(t, srv)
	ctx := context.Background()

	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{Name: "broken"}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}

	if _, err := cs.GetTaskResult(ctx, ack.Task.TaskID); err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}

	snap, err := cs.GetTask(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if snap.Status != taskrpc.TaskStatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.StatusMessage != "Oops!" {
		t.Errorf("StatusMessage = %q, want %q", snap.StatusMessage, "Oops!")
	}
}

func TestElicitationRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	srv.RegisterTool("ask-name", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		answer, err := call.Task.Elicit(ctx, "What is your name?", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		})
		if err != nil {
			return nil, err
		}
		if answer.Action != taskrpc.ElicitActionAccept {
			return nil, fmt.Errorf("submitter declined: %s", answer.Action)
		}
		name, _ := answer.Content["name"].(string)
		return &taskrpc.CallToolResult{
			Content: []taskrpc.Content{taskrpc.NewTextContent("Hello, " + name)},
		}, nil
	})

	cs := startPair(t, srv,
		client.WithElicitationHandler(func(ctx context.Context, params *taskrpc.ElicitParams) (*taskrpc.ElicitResult, error) {
			if params.Message != "What is your name?" {
				t.Errorf("elicitation message = %q", params.Message)
			}
			return &taskrpc.ElicitResult{
				Action:  taskrpc.ElicitActionAccept,
				Content: map[string]any{"name": "Ada"},
			}, nil
		}),
	)

	ctx := context.Background()
	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{Name: "ask-name"}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}

	result, err := cs.GetTaskResult(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Hello, Ada" {
		t.Errorf("result content = %+v, want greeting", result.Content)
	}
}

func TestSamplingRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	srv.RegisterTool("compose", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		completion, err := call.Task.CreateMessage(ctx, &taskrpc.CreateMessageParams{
			Messages: []taskrpc.SamplingMessage{
				{Role: "user", Content: taskrpc.NewTextContent("write a haiku")},
			},
			MaxTokens: 50,
		})
		if err != nil {
			return nil, err
		}
		return &taskrpc.CallToolResult{
			Content: []taskrpc.Content{completion.Content},
		}, nil
	})

	cs := startPair(t, srv,
		client.WithSamplingHandler(func(ctx context.Context, params *taskrpc.CreateMessageParams) (*taskrpc.CreateMessageResult, error) {
			return &taskrpc.CreateMessageResult{
				Role:    "assistant",
				Content: taskrpc.NewTextContent("five seven five"),
				Model:   "test-model",
			}, nil
		}),
	)

	ctx := context.Background()
	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{Name: "compose"}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}

	result, err := cs.GetTaskResult(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "five seven five" {
		t.Errorf("result content = %+v, want completion text", result.Content)
	}
}

func TestTaskCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newTaskServer(t)
	srv.RegisterTool("hang", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		<-release
		return nil, nil
	})

	cs := startPair(t, srv)
	ctx := context.Background()

	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{Name: "hang"}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}

	cancelled, err := cs.CancelTask(ctx, ack.Task.TaskID)
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if cancelled.Status != taskrpc.TaskStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	// A second cancellation hits a terminal task.
	_, err = cs.CancelTask(ctx, ack.Task.TaskID)
	if !errors.Is(err, taskrpc.ErrInvalidParams) {
		t.Errorf("CancelTask(terminal) error = %v, want invalid-params", err)
	}

	close(release)
}

func TestTaskNotFound(t *testing.T) {
	t.Parallel()

	cs := startPair(t, newTaskServer(t))
	ctx := context.Background()

	for name, call := range map[string]func() error{
		"tasks/get": func() error {
			_, err := cs.GetTask(ctx, "missing")
			return err
		},
		"tasks/result": func() error {
			_, err := cs.GetTaskResult(ctx, "missing")
			return err
		},
		"tasks/cancel": func() error {
			_, err := cs.CancelTask(ctx, "missing")
			return err
		},
	} {
		err := call()
		if !errors.Is(err, taskrpc.ErrInvalidParams) {
			t.Errorf("%s error = %v, want invalid-params not-found", name, err)
		}
	}
}

func TestTasksList(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	store := srv.TaskSupport().Store()
	ctx := context.Background()
	for i := range 3 {
		if _, err := store.CreateTask(ctx, taskrpc.TaskMetadata{}, fmt.Sprintf("task-%d", i)); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
	}

	cs := startPair(t, srv)

	page, err := cs.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(page.Tasks) != 3 {
		t.Errorf("ListTasks() returned %d tasks, want 3", len(page.Tasks))
	}

	if _, err := cs.ListTasks(ctx, "bogus"); !errors.Is(err, taskrpc.ErrInvalidParams) {
		t.Errorf("ListTasks(bogus) error = %v, want invalid-params", err)
	}
}

func TestTaskStatusDuringElicitation(t *testing.T) {
	t.Parallel()

	srv := newTaskServer(t)
	answered := make(chan struct{})
	srv.RegisterTool("ask", func(ctx context.Context, call *server.ToolCall) (*taskrpc.CallToolResult, error) {
		if _, err := call.Task.Elicit(ctx, "go on?", nil); err != nil {
			return nil, err
		}
		close(answered)
		return &taskrpc.CallToolResult{Content: []taskrpc.Content{}}, nil
	})

	observed := make(chan taskrpc.TaskStatus, 1)
	var cs *client.ClientSession
	cs = startPair(t, srv,
		client.WithElicitationHandler(func(ctx context.Context, params *taskrpc.ElicitParams) (*taskrpc.ElicitResult, error) {
			// While the question is outstanding the task shows input_required.
			related, _ := params.Meta[taskrpc.RelatedTaskMetaKey].(map[string]any)
			taskID, _ := related["taskId"].(string)
			if snap, err := cs.GetTask(ctx, taskID); err == nil {
				observed <- snap.Status
			}
			return &taskrpc.ElicitResult{Action: taskrpc.ElicitActionAccept, Content: map[string]any{}}, nil
		}),
	)

	ctx := context.Background()
	ack, err := cs.CallToolAsTask(ctx, &taskrpc.CallToolParams{Name: "ask"}, taskrpc.TaskMetadata{})
	if err != nil {
		t.Fatalf("CallToolAsTask() error = %v", err)
	}
	if _, err := cs.GetTaskResult(ctx, ack.Task.TaskID); err != nil {
		t.Fatalf("GetTaskResult() error = %v", err)
	}

	select {
	case status := <-observed:
		if status != taskrpc.TaskStatusInputRequired {
			t.Errorf("status during elicitation = %q, want input_required", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("elicitation handler never observed the task")
	}
	<-answered
}
