package tasks

import "time"

// TaskStatus is the lifecycle state of a task. Completed, failed and
// cancelled are terminal.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// Task is one unit of agent work submitted against a workspace.
type Task struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt,omitempty"`
	Status         TaskStatus `json:"status"`
	CurrentAttempt int        `json:"currentAttempt"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// TaskPatch carries a partial update; nil fields are left untouched. When
// IfStatus is set the update only applies while the stored status is one of
// those values, otherwise UpdateTask returns ErrStatusConflict.
type TaskPatch struct {
	Status         *TaskStatus
	Error          *string
	CurrentAttempt *int
	CompletedAt    *time.Time
	IfStatus       []TaskStatus
}

// Approval records a gated tool call and how it was resolved.
type Approval struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// Workspace carries the permission flags an executor runs under.
type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RootPath     string    `json:"rootPath"`
	AllowNetwork bool      `json:"allowNetwork"`
	AllowShell   bool      `json:"allowShell"`
	AllowWrites  bool      `json:"allowWrites"`
	AutoApprove  bool      `json:"autoApprove"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskQueued        EventType = "task_queued"
	EventTaskExecuting     EventType = "task_executing"
	EventTaskOutput        EventType = "task_output"
	EventTaskPaused        EventType = "task_paused"
	EventTaskResumed       EventType = "task_resumed"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventTaskError         EventType = "task_error"
	EventUserMessage       EventType = "user_message"
	EventAssistantMessage  EventType = "assistant_message"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalDenied    EventType = "approval_denied"
)

// EventRecord is one entry of a task's persisted event log.
type EventRecord struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (t Task) Clone() Task {
	out := t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Allows reports whether the guard in IfStatus admits current.
func (p TaskPatch) Allows(current TaskStatus) bool {
	if len(p.IfStatus) == 0 {
		return true
	}
	for _, st := range p.IfStatus {
		if st == current {
			return true
		}
	}
	return false
}

func (p TaskPatch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.CurrentAttempt != nil {
		t.CurrentAttempt = *p.CurrentAttempt
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		t.CompletedAt = &at
	}
}

func (a Approval) Clone() Approval {
	out := a
	if a.Details != nil {
		out.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			out.Details[k] = v
		}
	}
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// ActiveStatuses are the non-terminal task states.
var ActiveStatuses = []TaskStatus{TaskStatusQueued, TaskStatusPlanning, TaskStatusExecuting}

func StatusPtr(s TaskStatus) *TaskStatus { return &s }

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
