// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/transport"
)

// Handler processes an incoming request and returns its result, or an error.
// A returned [*taskrpc.Error] is sent as the JSON-RPC error object verbatim;
// any other error becomes an internal error.
type Handler func(ctx context.Context, req *taskrpc.Request) (any, error)

// NotificationHandler processes an incoming notification.
type NotificationHandler func(ctx context.Context, n *taskrpc.Notification)

// ResponseRouter is a secondary sink for incoming responses that do not
// match an outgoing request that the session itself sent. A blocking result
// call uses this to join replies to the nested requests it forwarded.
type ResponseRouter interface {
	RouteResponse(id taskrpc.RequestID, result json.RawMessage) bool
	RouteError(id taskrpc.RequestID, rpcErr *taskrpc.Error) bool
}

// Session drives one side of a bidirectional JSON-RPC connection. It owns
// the read pump, routes responses into its [RequestRouter], dispatches
// incoming requests to the configured [Handler] in per-request goroutines,
// and reacts to cancellation notifications.
//
// Teardown is ordered: the dispatch loop stops and in-flight requests are
// failed before the underlying connection is closed.
type Session struct {
	conn    transport.Connection
	router  *RequestRouter
	handler Handler

	notifHandler NotificationHandler
	respRouters  []ResponseRouter
	logger       *slog.Logger
	tracer       trace.Tracer
	timeout      time.Duration

	cancel   context.CancelFunc
	pumpDone chan struct{}
	handlers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a Session over conn that dispatches incoming requests
// to handler. The session is inert until [Session.Start] is called.
func NewSession(conn transport.Connection, handler Handler, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		router:   NewRequestRouter(),
		handler:  handler,
		logger:   slog.Default(),
		tracer:   noopTracer(),
		timeout:  DefaultRequestTimeout,
		pumpDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the structured logger used by the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer used to span incoming request handling.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithRequestTimeout sets the default timeout for outgoing requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNotificationHandler sets the handler invoked for incoming
// notifications other than cancellation notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) { s.notifHandler = h }
}

// AddResponseRouter registers a secondary response sink, consulted when a
// response matches none of the session's own outgoing requests.
func (s *Session) AddResponseRouter(r ResponseRouter) {
	s.respRouters = append(s.respRouters, r)
}

// ID returns the transport session identifier.
func (s *Session) ID() string { return s.conn.SessionID() }

// Router exposes the session's request router.
func (s *Session) Router() *RequestRouter { return s.router }

// Start launches the read pump. It returns immediately; the pump runs until
// ctx is cancelled, the peer disconnects, or [Session.Close] is called.
func (s *Session) Start(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(pumpCtx)
}

// Wait blocks until the read pump has exited.
func (s *Session) Wait() {
	<-s.pumpDone
}

// SendRequest sends a request with a fresh id and blocks for its result.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.router.SendRequest(ctx, s.conn, method, params, s.timeout)
}

// SendRequestWithTimeout is [Session.SendRequest] with a per-call timeout,
// for calls that legitimately outlive the session default, such as a
// blocking result fetch.
func (s *Session) SendRequestWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.router.SendRequest(ctx, s.conn, method, params, timeout)
}

// SendNotification sends a notification. It does not wait for anything.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	n, err := taskrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, n); err != nil {
		if transport.IsClosedError(err) {
			return taskrpc.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Forward writes a pre-built message frame directly, without tracking it.
// A blocking result call uses this to deliver nested requests whose replies
// come back through a [ResponseRouter].
func (s *Session) Forward(ctx context.Context, msg taskrpc.Message) error {
	if err := s.conn.Write(ctx, msg); err != nil {
		if transport.IsClosedError(err) {
			return taskrpc.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// CancelRequest notifies the peer that the request with the given id should
// be abandoned.
func (s *Session) CancelRequest(ctx context.Context, id taskrpc.RequestID, reason string) error {
	return s.SendNotification(ctx, taskrpc.MethodNotificationCancelled, &taskrpc.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
}

// Close tears the session down: it stops the dispatch loop, fails every
// in-flight request with [taskrpc.ErrConnectionClosed], and only then
// closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.pumpDone
		}
		s.router.FailAll(taskrpc.ErrConnectionClosed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// run is the read pump. Reads happen on a dedicated goroutine so the
// dispatch loop stays interruptible while a read is suspended.
func (s *Session) run(ctx context.Context) {
	defer close(s.pumpDone)

	msgs := make(chan taskrpc.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// External cancellation. Fail in-flight now rather than letting
			// each request ride out its own timeout; Close's FailAll is then
			// a no-op.
			s.router.FailAll(taskrpc.ErrConnectionClosed)
			return
		case err := <-readErr:
			if !errors.Is(err, context.Canceled) && !transport.IsClosedError(err) {
				s.logger.Error("session read failed", slog.String("session_id", s.ID()), slog.Any("error", err))
			}
			// Peer closed the stream. Fail in-flight before the local
			// connection half is released.
			s.router.FailAll(taskrpc.ErrConnectionClosed)
			return
		case msg := <-msgs:
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg taskrpc.Message) {
	switch m := msg.(type) {
	case *taskrpc.Response:
		s.dispatchResponse(m)
	case *taskrpc.Request:
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleRequest(ctx, m)
		}()
	case *taskrpc.Notification:
		s.dispatchNotification(ctx, m)
	}
}

func (s *Session) dispatchResponse(resp *taskrpc.Response) {
	var matched bool
	if resp.Error != nil {
		matched = s.router.ResolveError(resp.ID, resp.Error)
	} else {
		matched = s.router.Resolve(resp.ID, resp.Result)
	}
	for _, rr := range s.respRouters {
		if matched {
			break
		}
		if resp.Error != nil {
			matched = rr.RouteError(resp.ID, resp.Error)
		} else {
			matched = rr.RouteResponse(resp.ID, resp.Result)
		}
	}
	if !matched {
		// Late or mis-addressed reply. Dropping it is the correct behavior;
		// the sender's request times out if nothing else matches.
		s.logger.Debug("dropping unmatched response", slog.String("id", resp.ID.String()))
	}
}

func (s *Session) handleRequest(ctx context.Context, req *taskrpc.Request) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.router.RegisterHandler(req.ID, cancel)
	defer s.router.UnregisterHandler(req.ID)

	reqCtx, span := s.tracer.Start(reqCtx, "rpc."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	result, err := s.handler(reqCtx, req)
	if cause := context.Cause(reqCtx); errors.Is(cause, taskrpc.ErrRequestCancelled) {
		err = taskrpc.ErrRequestCancelled
	}

	var resp *taskrpc.Response
	if err != nil {
		resp = taskrpc.NewErrorResponse(req.ID, toRPCError(err))
	} else {
		resp, err = taskrpc.NewResponse(req.ID, result)
		if err != nil {
			s.logger.Error("marshal response", slog.String("method", req.Method), slog.Any("error", err))
			resp = taskrpc.NewErrorResponse(req.ID, taskrpc.ErrInternal)
		}
	}

	if err := s.conn.Write(ctx, resp); err != nil && !transport.IsClosedError(err) {
		s.logger.Error("write response", slog.String("method", req.Method), slog.Any("error", err))
	}
}

func (s *Session) dispatchNotification(ctx context.Context, n *taskrpc.Notification) {
	if n.Method == taskrpc.MethodNotificationCancelled {
		var params taskrpc.CancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.logger.Warn("malformed cancellation notification", slog.Any("error", err))
			return
		}
		s.router.Cancel(params.RequestID)
		return
	}
	if s.notifHandler != nil {
		s.notifHandler(ctx, n)
	}
}

// toRPCError maps a handler error onto the JSON-RPC error object.
func toRPCError(err error) *taskrpc.Error {
	var rpcErr *taskrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return taskrpc.ErrInternal.WithData(fmt.Sprint(err))
}
