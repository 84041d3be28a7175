// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the request/response substrate shared by both
// peers of a bidirectional JSON-RPC connection: outgoing request
// correlation, incoming request dispatch and cancellation, and ordered
// connection teardown.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/task"
	"github.com/go-taskrpc/taskrpc/transport"
)

// DefaultRequestTimeout bounds how long an outgoing request waits for its
// response before it is abandoned.
const DefaultRequestTimeout = 30 * time.Second

// RequestRouter correlates outgoing requests with incoming responses and
// tracks incoming request handlers so they can be cancelled by id.
//
// In-flight entries are keyed by the normalized request id, so a peer that
// echoes an integer id back as its decimal string still resolves the
// original request. See [taskrpc.RequestID.Norm].
type RequestRouter struct {
	nextID atomic.Int64

	mu       sync.Mutex
	outgoing map[taskrpc.RequestID]*task.Resolver[json.RawMessage]
	incoming map[taskrpc.RequestID]context.CancelCauseFunc
	closed   bool
	closeErr error
}

// NewRequestRouter creates a new RequestRouter.
func NewRequestRouter() *RequestRouter {
	return &RequestRouter{
		outgoing: make(map[taskrpc.RequestID]*task.Resolver[json.RawMessage]),
		incoming: make(map[taskrpc.RequestID]context.CancelCauseFunc),
	}
}

// NextID returns a fresh integer request id, unique for the lifetime of the
// router.
func (r *RequestRouter) NextID() taskrpc.RequestID {
	return taskrpc.NewRequestID(r.nextID.Add(1))
}

// SendRequest writes a request with a fresh id to conn and blocks until the
// peer responds, timeout elapses, ctx is cancelled, or the connection fails.
//
// On timeout the in-flight entry is removed and [taskrpc.ErrRequestTimeout]
// is returned; a late response for that id is dropped by the session.
func (r *RequestRouter) SendRequest(ctx context.Context, conn transport.Connection, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := r.NextID()
	req, err := taskrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resolver := task.NewResolver[json.RawMessage]()
	key := id.Norm()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, r.closeErr
	}
	r.outgoing[key] = resolver
	r.mu.Unlock()

	if err := conn.Write(ctx, req); err != nil {
		r.remove(key)
		if transport.IsClosedError(err) {
			return nil, taskrpc.ErrConnectionClosed
		}
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := resolver.Wait(waitCtx)
	if err != nil {
		switch {
		case waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			r.remove(key)
			return nil, taskrpc.ErrRequestTimeout
		case ctx.Err() != nil:
			r.remove(key)
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}
	return result, nil
}

// Resolve settles the in-flight request matching id with result. It reports
// whether an entry matched; an already-settled or unknown id returns false.
func (r *RequestRouter) Resolve(id taskrpc.RequestID, result json.RawMessage) bool {
	resolver, ok := r.take(id)
	if !ok {
		return false
	}
	return resolver.SetResult(result) == nil
}

// ResolveError settles the in-flight request matching id with rpcErr.
func (r *RequestRouter) ResolveError(id taskrpc.RequestID, rpcErr *taskrpc.Error) bool {
	resolver, ok := r.take(id)
	if !ok {
		return false
	}
	return resolver.SetError(rpcErr) == nil
}

// RegisterHandler records the cancel function of an in-flight incoming
// request handler under the request id.
func (r *RequestRouter) RegisterHandler(id taskrpc.RequestID, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming[id.Norm()] = cancel
}

// UnregisterHandler removes the handler entry for id, if any.
func (r *RequestRouter) UnregisterHandler(id taskrpc.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.incoming, id.Norm())
}

// Cancel cancels the in-flight incoming handler matching id with
// [taskrpc.ErrRequestCancelled]. Unknown ids are ignored.
func (r *RequestRouter) Cancel(id taskrpc.RequestID) bool {
	r.mu.Lock()
	cancel, ok := r.incoming[id.Norm()]
	if ok {
		delete(r.incoming, id.Norm())
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel(taskrpc.ErrRequestCancelled)
	return true
}

// FailAll settles every outgoing in-flight request with err and rejects
// future sends with the same error. Incoming handlers are cancelled.
func (r *RequestRouter) FailAll(err error) {
	r.mu.Lock()
	outgoing := r.outgoing
	incoming := r.incoming
	r.outgoing = make(map[taskrpc.RequestID]*task.Resolver[json.RawMessage])
	r.incoming = make(map[taskrpc.RequestID]context.CancelCauseFunc)
	r.closed = true
	r.closeErr = err
	r.mu.Unlock()

	for _, resolver := range outgoing {
		_ = resolver.SetError(err)
	}
	for _, cancel := range incoming {
		cancel(err)
	}
}

// InflightCount reports the number of outgoing requests awaiting a response.
func (r *RequestRouter) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outgoing)
}

func (r *RequestRouter) take(id taskrpc.RequestID) (*task.Resolver[json.RawMessage], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolver, ok := r.outgoing[id.Norm()]
	if ok {
		delete(r.outgoing, id.Norm())
	}
	return resolver, ok
}

func (r *RequestRouter) remove(key taskrpc.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outgoing, key)
}
