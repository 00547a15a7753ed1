package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for local/dev use and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]Task
	approvals  map[string]Approval
	events     map[string][]EventRecord
	workspaces map[string]Workspace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]Task),
		approvals:  make(map[string]Approval),
		events:     make(map[string][]EventRecord),
		workspaces: make(map[string]Workspace),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, statuses ...TaskStatus) ([]Task, error) {
	want := make(map[TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if len(want) == 0 || want[task.Status] {
			out = append(out, task.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, taskID string, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	if !patch.Allows(task.Status) {
		return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, taskID, task.Status)
	}
	patch.Apply(&task)
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

func (s *MemoryStore) CreateApproval(_ context.Context, approval Approval) (Approval, error) {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.RequestedAt.IsZero() {
		approval.RequestedAt = time.Now().UTC()
	}
	if approval.Status == "" {
		approval.Status = ApprovalStatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ID] = approval.Clone()
	return approval.Clone(), nil
}

func (s *MemoryStore) GetApproval(_ context.Context, approvalID string) (Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrStoreNotFound
	}
	return approval.Clone(), nil
}

func (s *MemoryStore) UpdateApprovalStatus(_ context.Context, approvalID string, status ApprovalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[approvalID]
	if !ok {
		return ErrStoreNotFound
	}
	now := time.Now().UTC()
	approval.Status = status
	approval.Reason = reason
	approval.ResolvedAt = &now
	s.approvals[approvalID] = approval
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, evt EventRecord) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.TaskID] = append(s.events[evt.TaskID], evt)
	return nil
}

func (s *MemoryStore) ListEventsByTask(_ context.Context, taskID string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[taskID]
	out := make([]EventRecord, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) SaveWorkspace(_ context.Context, ws Workspace) error {
	now := time.Now().UTC()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, workspaceID string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, ErrStoreNotFound
	}
	return ws, nil
}

func (s *MemoryStore) Close() error { return nil }
