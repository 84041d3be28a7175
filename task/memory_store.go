// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-taskrpc/taskrpc"
)

// DefaultPageSize is the default tasks/list page size.
const DefaultPageSize = 100

type storedTask struct {
	task      taskrpc.Task
	result    *taskrpc.CallToolResult
	expiresAt *time.Time
}

// InMemoryStore is a process-local [Store]. Task data is lost when the
// process stops. All operations are safe for concurrent use.
//
// TTLs are advisory but expired tasks are reclaimed lazily: any access sweeps
// tasks whose deadline passed. A task with a nil TTL never expires. Entering
// a terminal status restarts the TTL clock so results stay retrievable for
// the advertised lifetime after completion.
type InMemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*storedTask
	order    []string
	waiters  map[string][]chan struct{}
	pageSize int
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty [InMemoryStore] with [DefaultPageSize].
func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithPageSize(DefaultPageSize)
}

// NewInMemoryStoreWithPageSize creates an empty [InMemoryStore] with a custom
// tasks/list page size.
func NewInMemoryStoreWithPageSize(pageSize int) *InMemoryStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &InMemoryStore{
		tasks:    make(map[string]*storedTask),
		waiters:  make(map[string][]chan struct{}),
		pageSize: pageSize,
	}
}

// CreateTask implements [Store].
func (s *InMemoryStore) CreateTask(ctx context.Context, metadata taskrpc.TaskMetadata, taskID string) (*taskrpc.Task, error) {
	t := NewTaskState(metadata, taskID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	if _, ok := s.tasks[t.TaskID]; ok {
		return nil, &ExistsError{TaskID: t.TaskID}
	}

	st := &storedTask{task: *t}
	if metadata.TTL != nil {
		expiry := t.CreatedAt.Add(time.Duration(*metadata.TTL) * time.Millisecond)
		st.expiresAt = &expiry
	}
	s.tasks[t.TaskID] = st
	s.order = append(s.order, t.TaskID)

	snapshot := st.task
	return &snapshot, nil
}

// GetTask implements [Store].
func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (*taskrpc.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	st, ok := s.tasks[taskID]
	if !ok {
		return nil, &NotFoundError{TaskID: taskID}
	}
	snapshot := st.task
	return &snapshot, nil
}

// UpdateTask implements [Store].
func (s *InMemoryStore) UpdateTask(ctx context.Context, taskID string, update StatusUpdate) (*taskrpc.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	st, ok := s.tasks[taskID]
	if !ok {
		return nil, &NotFoundError{TaskID: taskID}
	}

	if update.Status != nil && *update.Status != st.task.Status {
		if st.task.Status.Terminal() {
			return nil, &TerminalTransitionError{TaskID: taskID, From: st.task.Status, To: *update.Status}
		}
		st.task.Status = *update.Status
		if st.task.Status.Terminal() && st.task.TTL != nil {
			// Restart the TTL clock so the result stays retrievable.
			expiry := time.Now().Add(time.Duration(*st.task.TTL) * time.Millisecond)
			st.expiresAt = &expiry
		}
	}
	if update.StatusMessage != nil {
		st.task.StatusMessage = *update.StatusMessage
	}
	st.task.LastUpdatedAt = time.Now()

	s.wakeLocked(taskID)

	snapshot := st.task
	return &snapshot, nil
}

// StoreResult implements [Store].
func (s *InMemoryStore) StoreResult(ctx context.Context, taskID string, result *taskrpc.CallToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return &NotFoundError{TaskID: taskID}
	}
	st.result = result
	return nil
}

// GetResult implements [Store].
func (s *InMemoryStore) GetResult(ctx context.Context, taskID string) (*taskrpc.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return st.result, nil
}

// ListTasks implements [Store]. The cursor is the decimal offset of the next
// page in insertion order.
func (s *InMemoryStore) ListTasks(ctx context.Context, cursor string) ([]taskrpc.Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", &InvalidCursorError{Cursor: cursor}
		}
		offset = n
	}

	var page []taskrpc.Task
	for i := offset; i < len(s.order) && len(page) < s.pageSize; i++ {
		if st, ok := s.tasks[s.order[i]]; ok {
			page = append(page, st.task)
		}
	}

	next := ""
	if offset+len(page) < len(s.order) {
		next = strconv.Itoa(offset + len(page))
	}
	return page, next, nil
}

// DeleteTask implements [Store].
func (s *InMemoryStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return false, nil
	}
	s.removeLocked(taskID)
	return true, nil
}

// WaitForUpdate implements [Store]. The since check and the waiter
// registration happen under one lock, so an update between the caller's
// snapshot read and this call returns immediately instead of being missed.
func (s *InMemoryStore) WaitForUpdate(ctx context.Context, taskID string, since time.Time) error {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{TaskID: taskID}
	}
	if st.task.LastUpdatedAt.After(since) {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[taskID] = append(s.waiters[taskID], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.removeWaiterLocked(taskID, ch)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Cleanup implements [Store]. Pending waiters for the released tasks are
// woken so they do not dangle.
func (s *InMemoryStore) Cleanup(taskIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(taskIDs) == 0 {
		for taskID := range s.waiters {
			s.wakeLocked(taskID)
		}
		s.tasks = make(map[string]*storedTask)
		s.order = nil
		s.waiters = make(map[string][]chan struct{})
		return
	}
	for _, taskID := range taskIDs {
		s.wakeLocked(taskID)
		s.removeLocked(taskID)
	}
}

// AllTasks returns snapshots of every live task. Debugging helper.
func (s *InMemoryStore) AllTasks() []taskrpc.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	tasks := make([]taskrpc.Task, 0, len(s.order))
	for _, id := range s.order {
		if st, ok := s.tasks[id]; ok {
			tasks = append(tasks, st.task)
		}
	}
	return tasks
}

func (s *InMemoryStore) sweepLocked() {
	now := time.Now()
	for id, st := range s.tasks {
		if st.expiresAt != nil && st.expiresAt.Before(now) {
			s.wakeLocked(id)
			s.removeLocked(id)
		}
	}
}

func (s *InMemoryStore) removeLocked(taskID string) {
	delete(s.tasks, taskID)
	delete(s.waiters, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *InMemoryStore) wakeLocked(taskID string) {
	for _, ch := range s.waiters[taskID] {
		close(ch)
	}
	delete(s.waiters, taskID)
}

func (s *InMemoryStore) removeWaiterLocked(taskID string, ch chan struct{}) {
	waiters := s.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			s.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// waiterCount reports how many goroutines are blocked in WaitForUpdate for
// the task. Test hook.
func (s *InMemoryStore) waiterCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[taskID])
}

// expireNow forces the task's expiry into the past. Test hook.
func (s *InMemoryStore) expireNow(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[taskID]; ok {
		past := time.Now().Add(-time.Minute)
		st.expiresAt = &past
	}
}
