// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/session"
	"github.com/go-taskrpc/taskrpc/transport"
)

// startRawPeer runs a bare session on the peer side of the transport so
// tests can script the server's behavior.
func startRawPeer(t *testing.T, tr transport.Transport, handler session.Handler) *session.Session {
	t.Helper()
	conn, err := tr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sess := session.NewSession(conn, handler)
	sess.Start(context.Background())
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestClientAnswersPing(t *testing.T) {
	t.Parallel()

	ta, tb := transport.NewInMemoryTransports()
	peer := startRawPeer(t, ta, func(ctx context.Context, req *taskrpc.Request) (any, error) {
		return nil, taskrpc.ErrMethodNotFound
	})

	cs, err := Connect(context.Background(), tb)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	raw, err := peer.SendRequest(context.Background(), taskrpc.MethodPing, map[string]any{})
	if err != nil {
		t.Fatalf("SendRequest(ping) error = %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal ping result: %v", err)
	}
}

func TestClientRefusesUnhandledElicitation(t *testing.T) {
	t.Parallel()

	ta, tb := transport.NewInMemoryTransports()
	peer := startRawPeer(t, ta, func(ctx context.Context, req *taskrpc.Request) (any, error) {
		return nil, taskrpc.ErrMethodNotFound
	})

	// No elicitation handler registered.
	cs, err := Connect(context.Background(), tb)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	_, err = peer.SendRequest(context.Background(), taskrpc.MethodElicitationCreate, &taskrpc.ElicitParams{Message: "?"})
	if !errors.Is(err, taskrpc.ErrMethodNotFound) {
		t.Errorf("SendRequest(elicitation) error = %v, want ErrMethodNotFound", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()

	ta, tb := transport.NewInMemoryTransports()
	// The peer swallows every request without answering.
	blockForever := func(ctx context.Context, req *taskrpc.Request) (any, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	startRawPeer(t, ta, blockForever)

	cs, err := Connect(context.Background(), tb, WithRequestTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	if err := cs.SendPing(context.Background()); !errors.Is(err, taskrpc.ErrRequestTimeout) {
		t.Errorf("SendPing() error = %v, want ErrRequestTimeout", err)
	}
}

func TestClientTaskStatusNotifications(t *testing.T) {
	t.Parallel()

	ta, tb := transport.NewInMemoryTransports()
	peer := startRawPeer(t, ta, func(ctx context.Context, req *taskrpc.Request) (any, error) {
		return nil, taskrpc.ErrMethodNotFound
	})

	received := make(chan *taskrpc.TaskStatusParams, 1)
	cs, err := Connect(context.Background(), tb,
		WithTaskStatusHandler(func(ctx context.Context, params *taskrpc.TaskStatusParams) {
			received <- params
		}),
	)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	err = peer.SendNotification(context.Background(), taskrpc.MethodNotificationTaskStatus, &taskrpc.TaskStatusParams{
		TaskID: "task-1",
		Status: taskrpc.TaskStatusWorking,
	})
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	select {
	case params := <-received:
		if params.TaskID != "task-1" || params.Status != taskrpc.TaskStatusWorking {
			t.Errorf("notification params = %+v", params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status notification never reached the handler")
	}
}
