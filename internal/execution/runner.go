package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/orchestrator"
	"github.com/ent0n29/taskd/internal/policy"
	"github.com/ent0n29/taskd/internal/tasks"
)

var (
	ErrBlockedByPolicy = errors.New("blocked by policy")
	ErrCancelled       = errors.New("runner cancelled")
)

// Runner is the reference executor: it sends a task's prompt through an
// Adapter, streams the output as task events and asks the host for approval
// before risky work.
type Runner struct {
	adapter Adapter
	host    orchestrator.Host
	logger  *zap.Logger

	// turnMu serializes adapter calls so history stays ordered.
	turnMu sync.Mutex

	mu        sync.Mutex
	task      tasks.Task
	ws        tasks.Workspace
	history   []Turn
	cancel    context.CancelFunc
	cancelled bool
	resumed   chan struct{} // non-nil while paused; closed on resume
}

var _ orchestrator.Executor = (*Runner)(nil)

func NewRunner(adapter Adapter, task tasks.Task, ws tasks.Workspace, host orchestrator.Host, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		adapter: adapter,
		host:    host,
		logger:  logger.With(zap.String("task_id", task.ID)),
		task:    task,
		ws:      ws,
	}
}

// NewFactory adapts NewRunner to the orchestrator's executor factory.
func NewFactory(adapter Adapter, logger *zap.Logger) orchestrator.ExecutorFactory {
	return func(task tasks.Task, ws tasks.Workspace, host orchestrator.Host) (orchestrator.Executor, error) {
		if adapter == nil {
			return nil, errors.New("no agent adapter configured")
		}
		return NewRunner(adapter, task, ws, host, logger), nil
	}
}

func (r *Runner) Execute(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return ErrCancelled
	}
	r.cancel = cancel
	task := r.task
	r.mu.Unlock()

	err := r.authorize(runCtx, task.Prompt)
	switch {
	case errors.Is(err, ErrBlockedByPolicy),
		errors.Is(err, orchestrator.ErrApprovalDenied),
		errors.Is(err, orchestrator.ErrApprovalTimeout):
		return r.host.FailTask(context.WithoutCancel(ctx), task.ID, err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		// Left in planning; Recover picks it up on the next start.
		r.logger.Info("execution interrupted by shutdown")
		return nil
	case err != nil:
		return err
	}

	if err := r.host.MarkExecuting(runCtx, task.ID); err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}
	if _, err := r.turn(runCtx, task.Prompt); err != nil {
		return err
	}
	return r.host.CompleteTask(context.WithoutCancel(ctx), task.ID)
}

// SendMessage runs a follow-up turn. Risky follow-ups go through the same
// approval gate as the initial prompt.
func (r *Runner) SendMessage(ctx context.Context, message string) error {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}
	if err := r.authorize(ctx, message); err != nil {
		return err
	}
	_, err := r.turn(ctx, message)
	return err
}

func (r *Runner) authorize(ctx context.Context, prompt string) error {
	r.mu.Lock()
	ws := r.ws
	taskID := r.task.ID
	r.mu.Unlock()

	decision := policy.Decide(prompt, policy.Permissions{
		AllowNetwork: ws.AllowNetwork,
		AllowShell:   ws.AllowShell,
		AllowWrites:  ws.AllowWrites,
		AutoApprove:  ws.AutoApprove,
	})
	if decision.Blocked {
		return fmt.Errorf("%w: %s", ErrBlockedByPolicy, decision.Reason)
	}
	if !decision.RequiresApproval {
		return nil
	}

	redacted, _ := policy.Redact(prompt)
	return r.host.RequestApproval(ctx, taskID, decision.Category, decision.Reason, map[string]any{
		"risk":        decision.Risk,
		"prompt":      redacted,
		"workspaceId": ws.ID,
	})
}

// turn sends input with the current history and records both sides once the
// adapter finishes.
func (r *Runner) turn(ctx context.Context, input string) (string, error) {
	r.turnMu.Lock()
	defer r.turnMu.Unlock()

	r.mu.Lock()
	req := MessageRequest{
		TaskID:      r.task.ID,
		WorkspaceID: r.ws.ID,
		RootPath:    r.ws.RootPath,
		InputText:   input,
		History:     append([]Turn(nil), r.history...),
	}
	r.mu.Unlock()

	var out strings.Builder
	res, err := r.adapter.StreamResponse(ctx, req, func(delta string) error {
		if err := r.waitResumed(ctx); err != nil {
			return err
		}
		if delta == "" {
			return nil
		}
		out.WriteString(delta)
		r.host.EmitTaskEvent(req.TaskID, tasks.EventTaskOutput, map[string]any{"delta": delta})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("agent turn: %w", err)
	}

	final := strings.TrimSpace(out.String())
	if final == "" {
		final = strings.TrimSpace(res.Text)
	}
	r.mu.Lock()
	r.history = append(r.history, Turn{Role: RoleUser, Content: input}, Turn{Role: RoleAssistant, Content: final})
	r.mu.Unlock()
	r.host.EmitTaskEvent(req.TaskID, tasks.EventAssistantMessage, map[string]any{"content": final})
	return final, nil
}

func (r *Runner) waitResumed(ctx context.Context) error {
	r.mu.Lock()
	ch := r.resumed
	r.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Cancel(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Pause holds streamed output at the next delta until Resume.
func (r *Runner) Pause(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumed == nil {
		r.resumed = make(chan struct{})
	}
	return nil
}

func (r *Runner) Resume(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resumed != nil {
		close(r.resumed)
		r.resumed = nil
	}
	return nil
}

func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumed != nil
}

func (r *Runner) UpdateWorkspace(ws tasks.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ws = ws
}

// RebuildConversationFromEvents restores history after the runner was
// evicted. The task prompt is the implicit first user turn.
func (r *Runner) RebuildConversationFromEvents(_ context.Context, history []tasks.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	turns := make([]Turn, 0, len(history)+1)
	if p := strings.TrimSpace(r.task.Prompt); p != "" {
		turns = append(turns, Turn{Role: RoleUser, Content: p})
	}
	for _, evt := range history {
		content, _ := evt.Payload["content"].(string)
		if content == "" {
			continue
		}
		switch evt.Type {
		case tasks.EventUserMessage:
			turns = append(turns, Turn{Role: RoleUser, Content: content})
		case tasks.EventAssistantMessage:
			turns = append(turns, Turn{Role: RoleAssistant, Content: content})
		}
	}
	r.history = turns
	return nil
}

// History returns a copy of the conversation so far.
func (r *Runner) History() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Turn(nil), r.history...)
}
