package orchestrator

import (
	"context"
	"errors"

	"github.com/ent0n29/taskd/internal/tasks"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrApprovalNotFound  = errors.New("approval not found")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrApprovalTimeout   = errors.New("approval timed out")
	ErrTaskCancelled     = errors.New("task cancelled")
	ErrTaskFinished      = errors.New("task already finished")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
)

// Executor is the unit that does a task's actual work. The orchestrator owns
// it while it is cached and only talks to it through these methods.
type Executor interface {
	// Execute runs the task. It is called once, on its own goroutine, and may
	// block for the life of the task.
	Execute(ctx context.Context) error
	Cancel(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SendMessage(ctx context.Context, message string) error
	UpdateWorkspace(ws tasks.Workspace)
	RebuildConversationFromEvents(ctx context.Context, events []tasks.EventRecord) error
}

// Host is the narrow set of callbacks an executor may make into the
// orchestrator.
type Host interface {
	// RequestApproval blocks until the user answers, the approval times out,
	// ctx ends or the orchestrator shuts down. It returns nil only when the
	// action was approved.
	RequestApproval(ctx context.Context, taskID, approvalType, description string, details map[string]any) error
	MarkExecuting(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID string, cause error) error
	EmitTaskEvent(taskID string, eventType tasks.EventType, payload map[string]any)
}

// ExecutorFactory builds an executor for task. It is used both for fresh
// starts and for rebuilding an evicted executor from its event history.
type ExecutorFactory func(task tasks.Task, ws tasks.Workspace, host Host) (Executor, error)
