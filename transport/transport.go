// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides bidirectional JSON-RPC message transports.
//
// A [Transport] produces a [Connection], a framed stream of JSON-RPC
// messages. The built-in implementations exchange newline-delimited JSON;
// see https://github.com/ndjson/ndjson-spec.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"

	"github.com/go-taskrpc/taskrpc"
	"github.com/go-taskrpc/taskrpc/internal/pool"
)

// IsClosedError reports whether err indicates that the peer or the local
// side has closed the underlying connection.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "read" || netErr.Op == "write" {
			errStr := netErr.Err.Error()
			return errStr == "use of closed network connection" || errStr == "broken pipe"
		}
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return syscallErr.Err == syscall.EPIPE || syscallErr.Err == syscall.ECONNRESET
	}

	return false
}

// Transport creates a bidirectional connection between two JSON-RPC peers.
//
// A Transport should be used for at most one session.
type Transport interface {
	// Connect establishes the logical JSON-RPC connection.
	//
	// It is called exactly once per session.
	Connect(ctx context.Context) (Connection, error)
}

// Connection is a logical bidirectional JSON-RPC connection.
type Connection interface {
	SessionID() string
	Read(context.Context) (taskrpc.Message, error)
	Write(context.Context, taskrpc.Message) error
	Close() error // may be called concurrently by both peers
}

// ioTransport is a [Transport] that communicates using newline-delimited
// JSON over an io.ReadWriteCloser.
type ioTransport struct {
	rwc io.ReadWriteCloser
}

var _ Transport = (*ioTransport)(nil)

// NewIOTransport returns a [Transport] that frames messages as
// newline-delimited JSON over rwc.
func NewIOTransport(rwc io.ReadWriteCloser) Transport {
	return &ioTransport{rwc: rwc}
}

// Connect implements [Transport].
func (t *ioTransport) Connect(context.Context) (Connection, error) {
	return newIOConn(t.rwc), nil
}

// NewStdioTransport returns a [Transport] over the process's standard
// input and output.
func NewStdioTransport() Transport {
	return &ioTransport{rwc: rwc{rc: os.Stdin, wc: os.Stdout}}
}

// InMemoryTransport is a [Transport] that communicates over an in-memory
// pipe, using newline-delimited JSON.
type InMemoryTransport struct {
	ioTransport
}

var _ Transport = (*InMemoryTransport)(nil)

// NewInMemoryTransports returns two InMemoryTransports that connect to
// each other.
func NewInMemoryTransports() (*InMemoryTransport, *InMemoryTransport) {
	// Buffered pipes avoid lockstep deadlocks between the two peers. The
	// done channel is shared so either side closing unblocks both.
	done := make(chan struct{})
	once := &sync.Once{}
	conn1 := &pipeConn{ch: make(chan []byte, 100), done: done, closeOnce: once}
	conn2 := &pipeConn{ch: make(chan []byte, 100), done: done, closeOnce: once}
	conn1.peer = conn2
	conn2.peer = conn1
	return &InMemoryTransport{ioTransport{conn1}}, &InMemoryTransport{ioTransport{conn2}}
}

// LoggingTransport is a [Transport] that delegates to another transport,
// writing wire traffic to an io.Writer.
type LoggingTransport struct {
	delegate Transport
	w        io.Writer
}

var _ Transport = (*LoggingTransport)(nil)

// NewLoggingTransport creates a LoggingTransport that delegates to the
// provided transport, writing traffic to w.
func NewLoggingTransport(delegate Transport, w io.Writer) *LoggingTransport {
	return &LoggingTransport{delegate: delegate, w: w}
}

// Connect implements [Transport].
func (t *LoggingTransport) Connect(ctx context.Context) (Connection, error) {
	delegate, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConn{delegate: delegate, w: t.w}, nil
}

type loggingConn struct {
	delegate Connection
	w        io.Writer
}

var _ Connection = (*loggingConn)(nil)

// SessionID implements [Connection].
func (c *loggingConn) SessionID() string { return c.delegate.SessionID() }

// Read implements [Connection].
func (c *loggingConn) Read(ctx context.Context) (taskrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != nil {
		// Closed connections are expected during shutdown.
		if !IsClosedError(err) {
			fmt.Fprintf(c.w, "read error: %v\n", err)
		}
		return msg, err
	}
	if data, merr := taskrpc.EncodeMessage(msg); merr == nil {
		fmt.Fprintf(c.w, "read: %s\n", data)
	}
	return msg, nil
}

// Write implements [Connection].
func (c *loggingConn) Write(ctx context.Context, msg taskrpc.Message) error {
	err := c.delegate.Write(ctx, msg)
	if err != nil {
		fmt.Fprintf(c.w, "write error: %v\n", err)
		return err
	}
	if data, merr := taskrpc.EncodeMessage(msg); merr == nil {
		fmt.Fprintf(c.w, "write: %s\n", data)
	}
	return nil
}

// Close implements [Connection].
func (c *loggingConn) Close() error {
	return c.delegate.Close()
}

// rwc binds an io.ReadCloser and io.WriteCloser together to create an
// io.ReadWriteCloser.
type rwc struct {
	rc io.ReadCloser
	wc io.WriteCloser
}

var _ io.ReadWriteCloser = (*rwc)(nil)

func (r rwc) Read(p []byte) (n int, err error) {
	return r.rc.Read(p)
}

func (r rwc) Write(p []byte) (n int, err error) {
	return r.wc.Write(p)
}

func (r rwc) Close() error {
	return errors.Join(r.rc.Close(), r.wc.Close())
}

// pipeConn implements [io.ReadWriteCloser] over buffered channels for the
// in-memory transport. Both ends share the done channel, so closing either
// side unblocks reads and writes on both.
type pipeConn struct {
	ch        chan []byte
	peer      *pipeConn
	done      chan struct{}
	closeOnce *sync.Once

	mu  sync.Mutex
	buf []byte // unread remainder of the last chunk
}

var _ io.ReadWriteCloser = (*pipeConn)(nil)

func (p *pipeConn) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	if len(p.buf) > 0 {
		n = copy(b, p.buf)
		p.buf = p.buf[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	// Drain buffered frames even after close so nothing in flight is lost.
	select {
	case data := <-p.ch:
		n = copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.buf = data[n:]
			p.mu.Unlock()
		}
		return n, nil
	default:
	}

	select {
	case data := <-p.ch:
		n = copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.buf = data[n:]
			p.mu.Unlock()
		}
		return n, nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *pipeConn) Write(b []byte) (n int, err error) {
	data := make([]byte, len(b))
	copy(data, b)

	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}

	select {
	case p.peer.ch <- data:
		return len(b), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
		return 0, errors.New("write would block")
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// ioConn is a [Connection] that delimits messages with newlines across a
// bidirectional stream.
type ioConn struct {
	rwc       io.ReadWriteCloser
	in        *jsontext.Decoder // bound to rwc
	sessionID string

	writeMu sync.Mutex // serializes writes to rwc
}

var _ Connection = (*ioConn)(nil)

func newIOConn(rwc io.ReadWriteCloser) *ioConn {
	return &ioConn{
		rwc:       rwc,
		in:        jsontext.NewDecoder(rwc),
		sessionID: uuid.NewString(),
	}
}

// SessionID implements [Connection].
func (c *ioConn) SessionID() string { return c.sessionID }

// Read implements [Connection].
func (c *ioConn) Read(ctx context.Context) (taskrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var raw jsontext.Value
	if err := json.UnmarshalDecode(c.in, &raw); err != nil {
		if IsClosedError(err) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ioConn.read: unmarshal: %w", err)
	}

	msg, err := taskrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("ioConn.read: decode: %w", err)
	}
	return msg, nil
}

// Write implements [Connection].
func (c *ioConn) Write(ctx context.Context, msg taskrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := taskrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	buf := pool.Bytes.Get()
	defer pool.Bytes.Put(buf)
	buf.Write(data)
	buf.WriteByte('\n') // newline delimited

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rwc.Write(buf.Bytes())
	return err
}

// Close implements [Connection].
func (c *ioConn) Close() error {
	return c.rwc.Close()
}
