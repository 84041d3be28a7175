// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/go-taskrpc/taskrpc"
)

// taskRecord is the GORM persistence model for a task.
type taskRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TaskID        string `gorm:"uniqueIndex;size:128"`
	Status        string `gorm:"size:32"`
	StatusMessage string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	TTLMillis     *int64
	PollInterval  *int64
	ExpiresAt     *time.Time
	Result        []byte
}

// DatabaseStore is a [Store] backed by a relational database through GORM.
// The database handle is injected; the store does not own the connection.
//
// Update wakeups are process-local: WaitForUpdate observes mutations made
// through this instance, not writes from other processes sharing the table.
type DatabaseStore struct {
	db       *gorm.DB
	table    string
	pageSize int

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

var _ Store = (*DatabaseStore)(nil)

// DatabaseStoreConfig holds configuration for [DatabaseStore].
type DatabaseStoreConfig struct {
	// DB is the GORM database handle. Required.
	DB *gorm.DB
	// TableName overrides the table name. Defaults to "tasks".
	TableName string
	// PageSize overrides the tasks/list page size. Defaults to [DefaultPageSize].
	PageSize int
	// Migrate creates the table when it does not exist.
	Migrate bool
}

// NewDatabaseStore creates a new [DatabaseStore].
func NewDatabaseStore(config DatabaseStoreConfig) (*DatabaseStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	table := config.TableName
	if table == "" {
		table = "tasks"
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	s := &DatabaseStore{
		db:       config.DB,
		table:    table,
		pageSize: pageSize,
		waiters:  make(map[string][]chan struct{}),
	}
	if config.Migrate {
		if err := config.DB.Table(table).AutoMigrate(&taskRecord{}); err != nil {
			return nil, fmt.Errorf("migrate task table: %w", err)
		}
	}
	return s, nil
}

// CreateTask implements [Store].
func (s *DatabaseStore) CreateTask(ctx context.Context, metadata taskrpc.TaskMetadata, taskID string) (*taskrpc.Task, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	t := NewTaskState(metadata, taskID)

	var count int64
	if err := s.tx(ctx).Where("task_id = ?", t.TaskID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check task existence: %w", err)
	}
	if count > 0 {
		return nil, &ExistsError{TaskID: t.TaskID}
	}

	rec := recordFromTask(t)
	if metadata.TTL != nil {
		expiry := t.CreatedAt.Add(time.Duration(*metadata.TTL) * time.Millisecond)
		rec.ExpiresAt = &expiry
	}
	if err := s.tx(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create task %s: %w", t.TaskID, err)
	}
	return t, nil
}

// GetTask implements [Store].
func (s *DatabaseStore) GetTask(ctx context.Context, taskID string) (*taskrpc.Task, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	rec, err := s.find(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskFromRecord(rec), nil
}

// UpdateTask implements [Store].
func (s *DatabaseStore) UpdateTask(ctx context.Context, taskID string, update StatusUpdate) (*taskrpc.Task, error) {
	rec, err := s.find(ctx, taskID)
	if err != nil {
		return nil, err
	}

	current := taskrpc.TaskStatus(rec.Status)
	if update.Status != nil && *update.Status != current {
		if current.Terminal() {
			return nil, &TerminalTransitionError{TaskID: taskID, From: current, To: *update.Status}
		}
		rec.Status = string(*update.Status)
		if update.Status.Terminal() && rec.TTLMillis != nil {
			expiry := time.Now().Add(time.Duration(*rec.TTLMillis) * time.Millisecond)
			rec.ExpiresAt = &expiry
		}
	}
	if update.StatusMessage != nil {
		rec.StatusMessage = *update.StatusMessage
	}
	rec.LastUpdatedAt = time.Now()

	if err := s.tx(ctx).Where("task_id = ?", taskID).Save(rec).Error; err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}

	s.mu.Lock()
	s.wakeLocked(taskID)
	s.mu.Unlock()

	return taskFromRecord(rec), nil
}

// StoreResult implements [Store].
func (s *DatabaseStore) StoreResult(ctx context.Context, taskID string, result *taskrpc.CallToolResult) error {
	rec, err := s.find(ctx, taskID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for task %s: %w", taskID, err)
	}
	rec.Result = data
	if err := s.tx(ctx).Where("task_id = ?", taskID).Save(rec).Error; err != nil {
		return fmt.Errorf("store result for task %s: %w", taskID, err)
	}
	return nil
}

// GetResult implements [Store].
func (s *DatabaseStore) GetResult(ctx context.Context, taskID string) (*taskrpc.CallToolResult, error) {
	rec, err := s.find(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(rec.Result) == 0 {
		return nil, nil
	}
	var result taskrpc.CallToolResult
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result for task %s: %w", taskID, err)
	}
	return &result, nil
}

// ListTasks implements [Store].
func (s *DatabaseStore) ListTasks(ctx context.Context, cursor string) ([]taskrpc.Task, string, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, "", err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", &InvalidCursorError{Cursor: cursor}
		}
		offset = n
	}

	var recs []taskRecord
	if err := s.tx(ctx).Order("id").Offset(offset).Limit(s.pageSize).Find(&recs).Error; err != nil {
		return nil, "", fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]taskrpc.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, *taskFromRecord(&recs[i]))
	}

	var total int64
	if err := s.tx(ctx).Count(&total).Error; err != nil {
		return nil, "", fmt.Errorf("count tasks: %w", err)
	}
	next := ""
	if int64(offset+len(tasks)) < total {
		next = strconv.Itoa(offset + len(tasks))
	}
	return tasks, next, nil
}

// DeleteTask implements [Store].
func (s *DatabaseStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	res := s.tx(ctx).Where("task_id = ?", taskID).Delete(&taskRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("delete task %s: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// WaitForUpdate implements [Store]. The waiter is registered before the row
// is re-read, so a process-local update landing between the caller's snapshot
// read and this call either advances last_updated_at past since or wakes the
// already-registered waiter; it cannot be missed.
func (s *DatabaseStore) WaitForUpdate(ctx context.Context, taskID string, since time.Time) error {
	s.mu.Lock()
	ch := make(chan struct{})
	s.waiters[taskID] = append(s.waiters[taskID], ch)
	s.mu.Unlock()

	rec, err := s.find(ctx, taskID)
	if err != nil || rec.LastUpdatedAt.After(since) {
		s.mu.Lock()
		s.removeWaiterLocked(taskID, ch)
		s.mu.Unlock()
		return err
	}

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

// Cleanup implements [Store].
func (s *DatabaseStore) Cleanup(taskIDs ...string) {
	s.mu.Lock()
	if len(taskIDs) == 0 {
		for taskID := range s.waiters {
			s.wakeLocked(taskID)
		}
	} else {
		for _, taskID := range taskIDs {
			s.wakeLocked(taskID)
		}
	}
	s.mu.Unlock()

	if len(taskIDs) == 0 {
		s.db.Table(s.table).Where("1 = 1").Delete(&taskRecord{})
		return
	}
	s.db.Table(s.table).Where("task_id IN ?", taskIDs).Delete(&taskRecord{})
}

func (s *DatabaseStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *DatabaseStore) find(ctx context.Context, taskID string) (*taskRecord, error) {
	var rec taskRecord
	err := s.tx(ctx).Where("task_id = ?", taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{TaskID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", taskID, err)
	}
	return &rec, nil
}

func (s *DatabaseStore) sweep(ctx context.Context) error {
	err := s.tx(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).Delete(&taskRecord{}).Error
	if err != nil {
		return fmt.Errorf("sweep expired tasks: %w", err)
	}
	return nil
}

func (s *DatabaseStore) wakeLocked(taskID string) {
	for _, ch := range s.waiters[taskID] {
		close(ch)
	}
	delete(s.waiters, taskID)
}

func (s *DatabaseStore) removeWaiterLocked(taskID string, ch chan struct{}) {
	waiters := s.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			s.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func recordFromTask(t *taskrpc.Task) *taskRecord {
	return &taskRecord{
		TaskID:        t.TaskID,
		Status:        string(t.Status),
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt,
		LastUpdatedAt: t.LastUpdatedAt,
		TTLMillis:     t.TTL,
		PollInterval:  t.PollInterval,
	}
}

func taskFromRecord(rec *taskRecord) *taskrpc.Task {
	return &taskrpc.Task{
		TaskID:        rec.TaskID,
		Status:        taskrpc.TaskStatus(rec.Status),
		StatusMessage: rec.StatusMessage,
		CreatedAt:     rec.CreatedAt,
		LastUpdatedAt: rec.LastUpdatedAt,
		TTL:           rec.TTLMillis,
		PollInterval:  rec.PollInterval,
	}
}
