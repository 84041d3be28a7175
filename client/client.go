// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the submitting peer: tool invocation, task
// polling, the blocking result fetch, and the callbacks that answer the
// server's nested elicitation and sampling requests.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/session"
	"github.com/go-taskrpc/taskrpc/transport"
)

// ElicitationHandler answers a nested elicitation/create request.
type ElicitationHandler func(ctx context.Context, params *taskrpc.ElicitParams) (*taskrpc.ElicitResult, error)

// SamplingHandler answers a nested sampling/createMessage request.
type SamplingHandler func(ctx context.Context, params *taskrpc.CreateMessageParams) (*taskrpc.CreateMessageResult, error)

// TaskStatusHandler observes task status notifications pushed by the server.
type TaskStatusHandler func(ctx context.Context, params *taskrpc.TaskStatusParams)

// ClientSession is one live connection to a serving peer.
type ClientSession struct {
	sess *session.Session

	name            string
	logger          *slog.Logger
	timeout         time.Duration
	resultTimeout   time.Duration
	elicitHandler   ElicitationHandler
	samplingHandler SamplingHandler
	statusHandler   TaskStatusHandler
}

// Connect binds a client session to the transport and starts its read pump.
// Call [ClientSession.Initialize] before anything else.
func Connect(ctx context.Context, t transport.Transport, opts ...Option) (*ClientSession, error) {
	cs := &ClientSession{
		name:          "taskrpc-go",
		logger:        slog.Default(),
		timeout:       session.DefaultRequestTimeout,
		resultTimeout: DefaultResultTimeout,
	}
	for _, opt := range opts {
		opt(cs)
	}

	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect with transport: %w", err)
	}
	cs.sess = session.NewSession(conn, cs.handle,
		session.WithLogger(cs.logger),
		session.WithRequestTimeout(cs.timeout),
		session.WithNotificationHandler(cs.handleNotification),
	)
	cs.sess.Start(ctx)
	return cs, nil
}

// ID returns the transport session identifier.
func (cs *ClientSession) ID() string { return cs.sess.ID() }

// Session exposes the underlying session substrate.
func (cs *ClientSession) Session() *session.Session { return cs.sess }

// Close tears the session down in order: pump, in-flight requests,
// connection.
func (cs *ClientSession) Close() error { return cs.sess.Close() }

// Wait blocks until the session's read pump has exited.
func (cs *ClientSession) Wait() { cs.sess.Wait() }

// Initialize negotiates protocol version and capabilities with the server.
func (cs *ClientSession) Initialize(ctx context.Context) (*taskrpc.InitializeResult, error) {
	caps := taskrpc.ClientCapabilities{
		Tasks: &taskrpc.TasksCapability{List: &struct{}{}, Cancel: &struct{}{}},
	}
	if cs.elicitHandler != nil {
		caps.Elicitation = &struct{}{}
	}
	if cs.samplingHandler != nil {
		caps.Sampling = &struct{}{}
	}

	var result taskrpc.InitializeResult
	if err := cs.call(ctx, taskrpc.MethodInitialize, &taskrpc.InitializeParams{
		ProtocolVersion: taskrpc.ProtocolVersion,
		Capabilities:    caps,
		ClientName:      cs.name,
	}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendPing checks peer liveness.
func (cs *ClientSession) SendPing(ctx context.Context) error {
	var result map[string]any
	return cs.call(ctx, taskrpc.MethodPing, map[string]any{}, &result)
}

// CallTool invokes a tool and waits for its immediate result.
func (cs *ClientSession) CallTool(ctx context.Context, params *taskrpc.CallToolParams) (*taskrpc.CallToolResult, error) {
	var result taskrpc.CallToolResult
	if err := cs.call(ctx, taskrpc.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallToolAsTask invokes a tool task-augmented and returns the task
// acknowledgment. Fetch the actual result with [ClientSession.GetTaskResult].
func (cs *ClientSession) CallToolAsTask(ctx context.Context, params *taskrpc.CallToolParams, metadata taskrpc.TaskMetadata) (*taskrpc.CreateTaskResult, error) {
	augmented := *params
	augmented.Task = &metadata

	var result taskrpc.CreateTaskResult
	if err := cs.call(ctx, taskrpc.MethodToolsCall, &augmented, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask returns a non-blocking status snapshot of the task.
func (cs *ClientSession) GetTask(ctx context.Context, taskID string) (*taskrpc.Task, error) {
	var result taskrpc.GetTaskResult
	if err := cs.call(ctx, taskrpc.MethodTasksGet, &taskrpc.GetTaskParams{TaskID: taskID}, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// GetTaskResult blocks until the task reaches a terminal status and returns
// its stored result. While blocked, nested elicitation and sampling requests
// from the server are dispatched to the registered handlers and their
// answers sent back over the same connection.
func (cs *ClientSession) GetTaskResult(ctx context.Context, taskID string) (*taskrpc.CallToolResult, error) {
	raw, err := cs.sess.SendRequestWithTimeout(ctx, taskrpc.MethodTasksResult, &taskrpc.GetTaskParams{TaskID: taskID}, cs.resultTimeout)
	if err != nil {
		return nil, err
	}
	var result taskrpc.CallToolResult
	if err := sonic.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tasks/result payload: %w", err)
	}
	return &result, nil
}

// CancelTask requests cancellation of a non-terminal task and returns the
// resulting snapshot.
func (cs *ClientSession) CancelTask(ctx context.Context, taskID string) (*taskrpc.Task, error) {
	var result taskrpc.GetTaskResult
	if err := cs.call(ctx, taskrpc.MethodTasksCancel, &taskrpc.GetTaskParams{TaskID: taskID}, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// ListTasks returns one page of tasks. Pass the previous result's NextCursor
// to continue, or "" for the first page.
func (cs *ClientSession) ListTasks(ctx context.Context, cursor string) (*taskrpc.ListTasksResult, error) {
	var result taskrpc.ListTasksResult
	if err := cs.call(ctx, taskrpc.MethodTasksList, &taskrpc.ListTasksParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRequest notifies the server to abandon an in-flight request.
func (cs *ClientSession) CancelRequest(ctx context.Context, id taskrpc.RequestID, reason string) error {
	return cs.sess.CancelRequest(ctx, id, reason)
}

// call sends a request and decodes its result into out.
func (cs *ClientSession) call(ctx context.Context, method string, params, out any) error {
	raw, err := cs.sess.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// handle answers server-initiated requests.
func (cs *ClientSession) handle(ctx context.Context, req *taskrpc.Request) (any, error) {
	switch req.Method {
	case taskrpc.MethodPing:
		return map[string]any{}, nil
	case taskrpc.MethodElicitationCreate:
		if cs.elicitHandler == nil {
			return nil, taskrpc.ErrMethodNotFound
		}
		var params taskrpc.ElicitParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, taskrpc.ErrInvalidParams.WithData(err.Error())
		}
		return cs.elicitHandler(ctx, &params)
	case taskrpc.MethodSamplingCreateMessage:
		if cs.samplingHandler == nil {
			return nil, taskrpc.ErrMethodNotFound
		}
		var params taskrpc.CreateMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, taskrpc.ErrInvalidParams.WithData(err.Error())
		}
		return cs.samplingHandler(ctx, &params)
	default:
		return nil, taskrpc.ErrMethodNotFound
	}
}

func (cs *ClientSession) handleNotification(ctx context.Context, n *taskrpc.Notification) {
	if n.Method != taskrpc.MethodNotificationTaskStatus || cs.statusHandler == nil {
		return
	}
	var params taskrpc.TaskStatusParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		cs.logger.Warn("malformed task status notification", slog.Any("error", err))
		return
	}
	cs.statusHandler(ctx, &params)
}
