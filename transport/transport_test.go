// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-taskrpc/taskrpc"
)

func TestInMemoryTransports(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ta, tb := NewInMemoryTransports()
	connA, err := ta.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect(a) error = %v", err)
	}
	connB, err := tb.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect(b) error = %v", err)
	}

	req, err := taskrpc.NewRequest(taskrpc.NewRequestID(int64(1)), taskrpc.MethodPing, map[string]any{})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := connA.Write(ctx, req); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	msg, err := connB.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	got, ok := msg.(*taskrpc.Request)
	if !ok {
		t.Fatalf("Read() type = %T, want *taskrpc.Request", msg)
	}
	if got.Method != taskrpc.MethodPing {
		t.Errorf("Method = %q, want %q", got.Method, taskrpc.MethodPing)
	}
	if got.ID.Norm() != req.ID.Norm() {
		t.Errorf("ID = %v, want %v", got.ID, req.ID)
	}
}

func TestInMemoryTransportsOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ta, tb := NewInMemoryTransports()
	connA, _ := ta.Connect(ctx)
	connB, _ := tb.Connect(ctx)

	const total = 20
	for i := range total {
		n, err := taskrpc.NewNotification(taskrpc.MethodNotificationTaskStatus, map[string]any{"seq": i})
		if err != nil {
			t.Fatalf("NewNotification() error = %v", err)
		}
		if err := connA.Write(ctx, n); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	for i := range total {
		msg, err := connB.Read(ctx)
		if err != nil {
			t.Fatalf("Read(%d) error = %v", i, err)
		}
		n, ok := msg.(*taskrpc.Notification)
		if !ok {
			t.Fatalf("Read(%d) type = %T", i, msg)
		}
		var params struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if params.Seq != i {
			t.Errorf("frame %d carried seq %d, frames must stay ordered", i, params.Seq)
		}
	}
}

func TestInMemoryTransportsClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ta, tb := NewInMemoryTransports()
	connA, _ := ta.Connect(ctx)
	connB, _ := tb.Connect(ctx)

	readDone := make(chan error, 1)
	go func() {
		_, err := connB.Read(ctx)
		readDone <- err
	}()

	if err := connA.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Peer close unblocks a suspended read with EOF.
	if err := <-readDone; !errors.Is(err, io.EOF) {
		t.Errorf("Read() after peer close error = %v, want io.EOF", err)
	}

	req, err := taskrpc.NewRequest(taskrpc.NewRequestID(int64(1)), taskrpc.MethodPing, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := connA.Write(ctx, req); !IsClosedError(err) {
		t.Errorf("Write() after close error = %v, want a closed error", err)
	}
}

func TestIOConnNewlineFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	conn := newIOConn(nopCloser{&buf})

	resp, err := taskrpc.NewResponse(taskrpc.NewRequestID(int64(7)), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}
	if err := conn.Write(context.Background(), resp); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("frame %q is not newline terminated", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("frame %q contains embedded newlines", line)
	}
}

func TestIsClosedError(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":             {err: nil, want: false},
		"eof":             {err: io.EOF, want: true},
		"closed pipe":     {err: io.ErrClosedPipe, want: true},
		"wrapped eof":     {err: errors.Join(errors.New("read"), io.EOF), want: true},
		"unrelated error": {err: errors.New("boom"), want: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := IsClosedError(tt.err); got != tt.want {
				t.Errorf("IsClosedError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }
