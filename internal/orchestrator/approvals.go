package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/idempotency"
	"github.com/ent0n29/taskd/internal/tasks"
)

// Reasons recorded on denied approvals.
const (
	ReasonUser          = "user"
	ReasonTimeout       = "timeout"
	ReasonShutdown      = "shutdown"
	ReasonCancelled     = "cancelled"
	ReasonTaskCancelled = "task_cancelled"
)

type pendingApproval struct {
	taskID      string
	requestedAt time.Time
	result      chan error
	resolved    bool
	timer       *time.Timer
}

// resolution is one way an approval can end.
type resolution struct {
	status tasks.ApprovalStatus
	reason string
	err    error
}

func approvedByUser() resolution {
	return resolution{status: tasks.ApprovalStatusApproved, reason: ReasonUser}
}

func deniedWith(reason string, err error) resolution {
	return resolution{status: tasks.ApprovalStatusDenied, reason: reason, err: err}
}

// approvalGate holds the waiters for every unresolved approval. Every path
// that resolves one flips resolved under mu, so exactly one wins.
type approvalGate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	closed  bool
}

func newApprovalGate() *approvalGate {
	return &approvalGate{pending: make(map[string]*pendingApproval)}
}

// claim marks approvalID resolved and removes it. It returns nil when the
// approval is unknown or another path already resolved it.
func (g *approvalGate) claim(approvalID string) *pendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[approvalID]
	if !ok || entry.resolved {
		return nil
	}
	entry.resolved = true
	delete(g.pending, approvalID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

func (g *approvalGate) ids(filter func(*pendingApproval) bool) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for id, entry := range g.pending {
		if filter == nil || filter(entry) {
			out = append(out, id)
		}
	}
	return out
}

func (g *approvalGate) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// RequestApproval persists a pending approval, announces it and blocks until
// it is resolved. It returns nil when approved, ErrApprovalDenied,
// ErrApprovalTimeout or ErrShuttingDown otherwise, or ctx.Err() if the caller
// gives up first.
func (d *Daemon) RequestApproval(ctx context.Context, taskID, approvalType, description string, details map[string]any) error {
	if d.closed.Load() {
		return ErrShuttingDown
	}

	approval, err := d.store.CreateApproval(ctx, tasks.Approval{
		TaskID:      taskID,
		Type:        approvalType,
		Description: description,
		Details:     details,
		Status:      tasks.ApprovalStatusPending,
		RequestedAt: d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}

	entry := &pendingApproval{
		taskID:      taskID,
		requestedAt: approval.RequestedAt,
		result:      make(chan error, 1),
	}
	d.gate.mu.Lock()
	if d.gate.closed {
		d.gate.mu.Unlock()
		d.persistResolution(approval.ID, taskID, approval.RequestedAt, deniedWith(ReasonShutdown, ErrShuttingDown))
		return ErrShuttingDown
	}
	d.gate.pending[approval.ID] = entry
	entry.timer = time.AfterFunc(d.cfg.ApprovalTimeout, func() {
		d.resolveApproval(approval.ID, deniedWith(ReasonTimeout, ErrApprovalTimeout))
	})
	d.gate.mu.Unlock()

	d.logger.Info("approval requested",
		zap.String("approval_id", approval.ID),
		zap.String("task_id", taskID),
		zap.String("type", approvalType),
	)
	d.EmitTaskEvent(taskID, tasks.EventApprovalRequested, map[string]any{
		"approvalId":  approval.ID,
		"type":        approvalType,
		"description": description,
		"details":     details,
	})

	select {
	case err := <-entry.result:
		return err
	case <-ctx.Done():
		d.resolveApproval(approval.ID, deniedWith(ReasonCancelled, ctx.Err()))
		return <-entry.result
	}
}

// RespondToApproval records the user's answer. Repeated or concurrent
// deliveries of the same answer are absorbed, and answering an approval that
// already ended is a no-op.
func (d *Daemon) RespondToApproval(ctx context.Context, approvalID string, approved bool) error {
	decision := "deny"
	if approved {
		decision = "approve"
	}
	key, err := idempotency.Key("respondToApproval", approvalID, decision)
	if err != nil {
		return err
	}
	if d.idem.Check(key).Exists {
		return nil
	}
	if !d.idem.Start(key) {
		return nil
	}

	res := deniedWith(ReasonUser, ErrApprovalDenied)
	if approved {
		res = approvedByUser()
	}
	resolved, err := d.resolveApproval(approvalID, res)
	if err == nil && !resolved {
		// Not pending here. Tell an unknown ID apart from one that already ended.
		if _, getErr := d.store.GetApproval(ctx, approvalID); errors.Is(getErr, tasks.ErrStoreNotFound) {
			err = ErrApprovalNotFound
		}
	}
	if err != nil {
		d.idem.Fail(key, err)
		return err
	}
	d.idem.Complete(key, resolved)
	return nil
}

// PendingApprovals returns the IDs of approvals still waiting on an answer.
func (d *Daemon) PendingApprovals() []string {
	return d.gate.ids(nil)
}

// resolveApproval settles approvalID if nobody else has. The waiter always
// receives its result, even when persisting the outcome fails.
func (d *Daemon) resolveApproval(approvalID string, res resolution) (bool, error) {
	entry := d.gate.claim(approvalID)
	if entry == nil {
		return false, nil
	}
	err := d.persistResolution(approvalID, entry.taskID, entry.requestedAt, res)
	entry.result <- res.err
	return true, err
}

func (d *Daemon) persistResolution(approvalID, taskID string, requestedAt time.Time, res resolution) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var persistErr error
	if err := d.store.UpdateApprovalStatus(ctx, approvalID, res.status, res.reason); err != nil {
		persistErr = fmt.Errorf("update approval %s: %w", approvalID, err)
		d.logger.Warn("approval status not persisted", zap.String("approval_id", approvalID), zap.Error(err))
	}

	eventType := tasks.EventApprovalDenied
	outcome := "denied_" + res.reason
	if res.status == tasks.ApprovalStatusApproved {
		eventType = tasks.EventApprovalGranted
		outcome = "approved"
	}
	d.EmitTaskEvent(taskID, eventType, map[string]any{
		"approvalId": approvalID,
		"reason":     res.reason,
	})
	d.metrics.ObserveApproval(outcome, d.now().Sub(requestedAt))
	d.logger.Info("approval resolved",
		zap.String("approval_id", approvalID),
		zap.String("task_id", taskID),
		zap.String("status", string(res.status)),
		zap.String("reason", res.reason),
	)
	return persistErr
}

// denyApprovalsForTask unblocks every waiter belonging to taskID.
func (d *Daemon) denyApprovalsForTask(taskID string, res resolution) {
	for _, id := range d.gate.ids(func(p *pendingApproval) bool { return p.taskID == taskID }) {
		_, _ = d.resolveApproval(id, res)
	}
}

// closeApprovals refuses new approvals and rejects every pending one.
func (d *Daemon) closeApprovals() {
	d.gate.mu.Lock()
	d.gate.closed = true
	d.gate.mu.Unlock()

	for _, id := range d.gate.ids(nil) {
		_, _ = d.resolveApproval(id, deniedWith(ReasonShutdown, ErrShuttingDown))
	}
}
