// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-taskrpc/taskrpc"
)

// MessageType discriminates queued messages.
type MessageType string

// Queued message kinds.
const (
	// MessageTypeRequest is a nested request expecting a correlated reply.
	MessageTypeRequest MessageType = "request"
	// MessageTypeNotification is a one-way message.
	MessageTypeNotification MessageType = "notification"
)

// QueuedMessage is a nested protocol message traveling from a task's
// background work back to the submitter. It is owned by the queue until
// consumed exactly once by dequeue.
type QueuedMessage struct {
	// Type is request or notification.
	Type MessageType
	// Message is the JSON-RPC payload to deliver to the submitter.
	Message taskrpc.Message
	// Resolver, present only on request messages, receives the submitter's
	// eventual reply.
	Resolver *Resolver[json.RawMessage]
	// OriginalRequestID is the id under which Resolver must be registered so
	// a later incoming reply routes to it.
	OriginalRequestID taskrpc.RequestID
	// Timestamp records the enqueue time.
	Timestamp time.Time
}

// NewQueuedRequest creates a request-type [QueuedMessage] whose reply will
// settle resolver.
func NewQueuedRequest(req *taskrpc.Request, resolver *Resolver[json.RawMessage]) QueuedMessage {
	return QueuedMessage{
		Type:              MessageTypeRequest,
		Message:           req,
		Resolver:          resolver,
		OriginalRequestID: req.ID,
		Timestamp:         time.Now(),
	}
}

// NewQueuedNotification creates a notification-type [QueuedMessage].
func NewQueuedNotification(n *taskrpc.Notification) QueuedMessage {
	return QueuedMessage{
		Type:      MessageTypeNotification,
		Message:   n,
		Timestamp: time.Now(),
	}
}

// MessageQueue delivers nested protocol messages per task, in enqueue order,
// without requiring the submitter to be listening at enqueue time.
type MessageQueue interface {
	// Enqueue appends a message to the task's FIFO queue and wakes waiters.
	Enqueue(ctx context.Context, taskID string, msg QueuedMessage) error
	// Dequeue pops the oldest message, or returns nil when the queue is empty.
	Dequeue(ctx context.Context, taskID string) (*QueuedMessage, error)
	// Peek reads the oldest message without removing it.
	Peek(ctx context.Context, taskID string) (*QueuedMessage, error)
	// IsEmpty reports whether the task has no queued messages.
	IsEmpty(ctx context.Context, taskID string) (bool, error)
	// Clear drains the task's queue and returns everything that was in it.
	Clear(ctx context.Context, taskID string) ([]QueuedMessage, error)
	// WaitForMessage suspends until the task's queue becomes non-empty.
	WaitForMessage(ctx context.Context, taskID string) error
	// Notify wakes the task's waiters without enqueueing anything.
	Notify(ctx context.Context, taskID string) error
	// Cleanup releases queue state for the given tasks, or for all tasks
	// when none are named.
	Cleanup(taskIDs ...string)
}

// InMemoryMessageQueue is a process-local [MessageQueue]. All operations are
// safe for concurrent use.
type InMemoryMessageQueue struct {
	mu      sync.Mutex
	queues  map[string][]QueuedMessage
	waiters map[string][]chan struct{}
}

var _ MessageQueue = (*InMemoryMessageQueue)(nil)

// NewInMemoryMessageQueue creates an empty [InMemoryMessageQueue].
func NewInMemoryMessageQueue() *InMemoryMessageQueue {
	return &InMemoryMessageQueue{
		queues:  make(map[string][]QueuedMessage),
		waiters: make(map[string][]chan struct{}),
	}
}

// Enqueue implements [MessageQueue].
func (q *InMemoryMessageQueue) Enqueue(ctx context.Context, taskID string, msg QueuedMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[taskID] = append(q.queues[taskID], msg)
	q.wakeLocked(taskID)
	return nil
}

// Dequeue implements [MessageQueue].
func (q *InMemoryMessageQueue) Dequeue(ctx context.Context, taskID string) (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[taskID]
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	q.queues[taskID] = msgs[1:]
	return &msg, nil
}

// Peek implements [MessageQueue].
func (q *InMemoryMessageQueue) Peek(ctx context.Context, taskID string) (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[taskID]
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	return &msg, nil
}

// IsEmpty implements [MessageQueue].
func (q *InMemoryMessageQueue) IsEmpty(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[taskID]) == 0, nil
}

// Clear implements [MessageQueue].
func (q *InMemoryMessageQueue) Clear(ctx context.Context, taskID string) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[taskID]
	delete(q.queues, taskID)
	if msgs == nil {
		msgs = []QueuedMessage{}
	}
	return msgs, nil
}

// WaitForMessage implements [MessageQueue]. It subscribes before re-checking
// emptiness so a message enqueued between the first check and the
// subscription is never missed.
func (q *InMemoryMessageQueue) WaitForMessage(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if len(q.queues[taskID]) > 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters[taskID] = append(q.waiters[taskID], ch)
	// Double-check after subscribing.
	if len(q.queues[taskID]) > 0 {
		q.removeWaiterLocked(taskID, ch)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		q.removeWaiterLocked(taskID, ch)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Notify implements [MessageQueue].
func (q *InMemoryMessageQueue) Notify(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wakeLocked(taskID)
	return nil
}

// Cleanup implements [MessageQueue]. Pending waiters for the released tasks
// are woken so they do not dangle.
func (q *InMemoryMessageQueue) Cleanup(taskIDs ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(taskIDs) == 0 {
		for taskID := range q.waiters {
			q.wakeLocked(taskID)
		}
		q.queues = make(map[string][]QueuedMessage)
		q.waiters = make(map[string][]chan struct{})
		return
	}
	for _, taskID := range taskIDs {
		q.wakeLocked(taskID)
		delete(q.queues, taskID)
		delete(q.waiters, taskID)
	}
}

func (q *InMemoryMessageQueue) wakeLocked(taskID string) {
	for _, ch := range q.waiters[taskID] {
		close(ch)
	}
	delete(q.waiters, taskID)
}

func (q *InMemoryMessageQueue) removeWaiterLocked(taskID string, ch chan struct{}) {
	waiters := q.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			q.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// waiterCount reports how many goroutines are blocked in WaitForMessage for
// the task. Test hook.
func (q *InMemoryMessageQueue) waiterCount(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[taskID])
}
