// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the serving peer: tool dispatch, the task
// subsystem, and the blocking result call.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/session"
	"github.com/go-taskrpc/taskrpc/task"
	"github.com/go-taskrpc/taskrpc/transport"
)

// ToolCall carries everything a tool handler needs for one invocation.
type ToolCall struct {
	// Params are the decoded call parameters.
	Params *taskrpc.CallToolParams
	// Session is the session the call arrived on.
	Session *ServerSession
	// Task is non-nil only for task-augmented calls.
	Task *TaskContext
}

// ToolHandler executes a tool invocation. For task-augmented calls the
// handler runs in a background goroutine and its non-nil result completes
// the task unless the task already reached a terminal status.
type ToolHandler func(ctx context.Context, call *ToolCall) (*taskrpc.CallToolResult, error)

// MethodHandler serves a raw JSON-RPC method, overriding any built-in
// handler for that method.
type MethodHandler func(ctx context.Context, ss *ServerSession, req *taskrpc.Request) (any, error)

// Server is the serving peer of one or more bidirectional JSON-RPC
// connections. Register tools, enable the task subsystem, then connect
// transports.
type Server struct {
	name    string
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration

	tasks         *TaskSupport
	resultHandler *TaskResultHandler

	mu      sync.RWMutex
	tools   map[string]ToolHandler
	methods map[string]MethodHandler
}

// NewServer creates a Server with the given implementation name.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:    name,
		logger:  slog.Default(),
		tracer:  tracenoop.NewTracerProvider().Tracer("github.com/go-taskrpc/taskrpc/server"),
		timeout: session.DefaultRequestTimeout,
		tools:   make(map[string]ToolHandler),
		methods: make(map[string]MethodHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers handler under the tool name, replacing any
// previous registration.
func (s *Server) RegisterTool(name string, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = handler
}

// RegisterMethod registers a raw method handler. Custom handlers win over
// the built-in ones.
func (s *Server) RegisterMethod(method string, handler MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = handler
}

// EnableTasks switches on the task subsystem. A nil store or queue selects
// the in-memory implementation. Calling it twice replaces the substrate.
func (s *Server) EnableTasks(store task.Store, queue task.MessageQueue) *TaskSupport {
	s.tasks = NewTaskSupport(store, queue, s.logger)
	s.resultHandler = NewTaskResultHandler(s.tasks.Store(), s.tasks.Queue(), s.logger)
	return s.tasks
}

// TaskSupport returns the task subsystem, or nil when tasks are disabled.
func (s *Server) TaskSupport() *TaskSupport { return s.tasks }

// Connect binds the server to a transport and starts serving it. The
// returned session is live until closed by either peer.
func (s *Server) Connect(ctx context.Context, t transport.Transport) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect with transport: %w", err)
	}

	ss := &ServerSession{server: s}
	ss.sess = session.NewSession(conn, ss.handle,
		session.WithLogger(s.logger),
		session.WithTracer(s.tracer),
		session.WithRequestTimeout(s.timeout),
	)
	if s.resultHandler != nil {
		ss.sess.AddResponseRouter(s.resultHandler)
	}
	ss.sess.Start(ctx)

	s.logger.Info("session connected", slog.String("session_id", ss.ID()))
	return ss, nil
}

// ServerSession is one live connection to a submitting peer.
type ServerSession struct {
	server *Server
	sess   *session.Session
}

// ID returns the transport session identifier.
func (ss *ServerSession) ID() string { return ss.sess.ID() }

// Session exposes the underlying session substrate.
func (ss *ServerSession) Session() *session.Session { return ss.sess }

// Wait blocks until the session's read pump has exited.
func (ss *ServerSession) Wait() { ss.sess.Wait() }

// Close tears the session down in order: pump, in-flight requests,
// connection.
func (ss *ServerSession) Close() error { return ss.sess.Close() }

// handle is the session dispatch entry point.
func (ss *ServerSession) handle(ctx context.Context, req *taskrpc.Request) (any, error) {
	s := ss.server

	s.mu.RLock()
	custom, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if ok {
		return custom(ctx, ss, req)
	}

	switch req.Method {
	case taskrpc.MethodInitialize:
		return ss.handleInitialize(ctx, req)
	case taskrpc.MethodPing:
		return map[string]any{}, nil
	case taskrpc.MethodToolsCall:
		return ss.handleToolsCall(ctx, req)
	case taskrpc.MethodTasksGet:
		return ss.handleTasksGet(ctx, req)
	case taskrpc.MethodTasksResult:
		return ss.handleTasksResult(ctx, req)
	case taskrpc.MethodTasksCancel:
		return ss.handleTasksCancel(ctx, req)
	case taskrpc.MethodTasksList:
		return ss.handleTasksList(ctx, req)
	default:
		return nil, taskrpc.ErrMethodNotFound
	}
}

func (ss *ServerSession) handleInitialize(ctx context.Context, req *taskrpc.Request) (any, error) {
	var params taskrpc.InitializeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	caps := taskrpc.ServerCapabilities{Tools: &struct{}{}}
	if ss.server.tasks != nil {
		caps.Tasks = &taskrpc.TasksCapability{List: &struct{}{}, Cancel: &struct{}{}}
	}
	return &taskrpc.InitializeResult{
		ProtocolVersion: taskrpc.ProtocolVersion,
		Capabilities:    caps,
		ServerName:      ss.server.name,
	}, nil
}

func (ss *ServerSession) handleToolsCall(ctx context.Context, req *taskrpc.Request) (any, error) {
	var params taskrpc.CallToolParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	ss.server.mu.RLock()
	handler, ok := ss.server.tools[params.Name]
	ss.server.mu.RUnlock()
	if !ok {
		return nil, taskrpc.NewError(taskrpc.CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	// The call is either immediate or task-augmented, decided once here.
	if params.Task == nil {
		return handler(ctx, &ToolCall{Params: &params, Session: ss})
	}
	return ss.startTask(ctx, &params, handler)
}

// startTask creates the task, acknowledges it to the submitter, and spawns
// the tool work in the background.
func (ss *ServerSession) startTask(ctx context.Context, params *taskrpc.CallToolParams, handler ToolHandler) (any, error) {
	support := ss.server.tasks
	if support == nil {
		return nil, taskrpc.NewError(taskrpc.CodeInvalidParams, "Task augmentation is not supported")
	}

	t, err := support.Store().CreateTask(ctx, *params.Task, "")
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	support.Run(ctx, t.TaskID, func(workCtx context.Context, base *task.Context) error {
		tctx := NewTaskContext(base, support.Store(), support.Queue(), ss.sess.Router())
		result, err := handler(workCtx, &ToolCall{Params: params, Session: ss, Task: tctx})
		if err != nil {
			return err
		}
		if result != nil {
			return tctx.Complete(workCtx, result)
		}
		return nil
	})

	ack := &taskrpc.CreateTaskResult{Task: *t}
	if params.Meta != nil {
		if v, ok := params.Meta[taskrpc.ModelImmediateResponseMetaKey]; ok {
			ack.Meta = map[string]any{taskrpc.ModelImmediateResponseMetaKey: v}
		}
	}
	return ack, nil
}

func (ss *ServerSession) handleTasksGet(ctx context.Context, req *taskrpc.Request) (any, error) {
	support, err := ss.taskSupport()
	if err != nil {
		return nil, err
	}
	var params taskrpc.GetTaskParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	t, err := support.Store().GetTask(ctx, params.TaskID)
	if err != nil {
		if task.IsNotFound(err) {
			return nil, taskrpc.NewTaskNotFoundError(params.TaskID)
		}
		return nil, err
	}
	return &taskrpc.GetTaskResult{Task: *t}, nil
}

func (ss *ServerSession) handleTasksResult(ctx context.Context, req *taskrpc.Request) (any, error) {
	if _, err := ss.taskSupport(); err != nil {
		return nil, err
	}
	var params taskrpc.GetTaskParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	return ss.server.resultHandler.Handle(ctx, ss.sess, params.TaskID)
}

func (ss *ServerSession) handleTasksCancel(ctx context.Context, req *taskrpc.Request) (any, error) {
	support, err := ss.taskSupport()
	if err != nil {
		return nil, err
	}
	var params taskrpc.GetTaskParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	t, err := task.Cancel(ctx, support.Store(), params.TaskID)
	if err != nil {
		return nil, err
	}
	// Wake a blocked result call so it observes the terminal status.
	_ = support.Queue().Notify(ctx, params.TaskID)
	return &taskrpc.GetTaskResult{Task: *t}, nil
}

func (ss *ServerSession) handleTasksList(ctx context.Context, req *taskrpc.Request) (any, error) {
	support, err := ss.taskSupport()
	if err != nil {
		return nil, err
	}
	var params taskrpc.ListTasksParams
	if len(req.Params) > 0 {
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
	}

	tasks, next, err := support.Store().ListTasks(ctx, params.Cursor)
	if err != nil {
		var cursorErr *task.InvalidCursorError
		if errors.As(err, &cursorErr) {
			return nil, taskrpc.NewError(taskrpc.CodeInvalidParams, cursorErr.Error())
		}
		return nil, err
	}
	return &taskrpc.ListTasksResult{Tasks: tasks, NextCursor: next}, nil
}

func (ss *ServerSession) taskSupport() (*TaskSupport, error) {
	if ss.server.tasks == nil {
		return nil, taskrpc.ErrMethodNotFound
	}
	return ss.server.tasks, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return taskrpc.ErrInvalidParams.WithData(err.Error())
	}
	return nil
}
