package tasks

import (
	"context"
	"errors"
)

var (
	ErrStoreNotFound  = errors.New("record not found in store")
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// TaskRepository persists tasks. UpdateTask honors TaskPatch.IfStatus inside
// the same write that applies the patch.
type TaskRepository interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error)
	UpdateTask(ctx context.Context, taskID string, patch TaskPatch) error
}

type ApprovalRepository interface {
	CreateApproval(ctx context.Context, approval Approval) (Approval, error)
	GetApproval(ctx context.Context, approvalID string) (Approval, error)
	UpdateApprovalStatus(ctx context.Context, approvalID string, status ApprovalStatus, reason string) error
}

// EventRepository is an append-only per-task log.
type EventRepository interface {
	AppendEvent(ctx context.Context, evt EventRecord) error
	ListEventsByTask(ctx context.Context, taskID string) ([]EventRecord, error)
}

type WorkspaceRepository interface {
	SaveWorkspace(ctx context.Context, ws Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
}

// Store is the durable repository the orchestrator reads and writes through.
type Store interface {
	TaskRepository
	ApprovalRepository
	EventRepository
	WorkspaceRepository
	Close() error
}
