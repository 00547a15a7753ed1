package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/taskd/internal/events"
	"github.com/ent0n29/taskd/internal/idempotency"
	"github.com/ent0n29/taskd/internal/observability"
	"github.com/ent0n29/taskd/internal/queue"
	"github.com/ent0n29/taskd/internal/tasks"
)

const storeTimeout = 5 * time.Second

// Config holds the daemon's timing and capacity knobs. Zero values fall back
// to defaults.
type Config struct {
	ApprovalTimeout       time.Duration
	ExecutorTTL           time.Duration
	SweepInterval         time.Duration
	MaxCompletedExecutors int
	ShutdownTimeout       time.Duration
	IdempotencyRetention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Minute
	}
	if c.ExecutorTTL <= 0 {
		c.ExecutorTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.MaxCompletedExecutors <= 0 {
		c.MaxCompletedExecutors = 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = 2 * c.ApprovalTimeout
	}
	return c
}

// Option customizes a Daemon at construction.
type Option func(*Daemon)

// WithLogger sets the daemon logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Daemon) { d.metrics = metrics }
}

// WithBus shares an existing bus, typically the one the HTTP layer streams from.
func WithBus(bus *events.Bus) Option {
	return func(d *Daemon) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// WithSettingsStore sets where queue settings are loaded from and saved to.
func WithSettingsStore(store queue.SettingsStore) Option {
	return func(d *Daemon) { d.settings = store }
}

// WithClock replaces time.Now for cache bookkeeping and approval timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// NewTask is what a caller submits; the daemon fills in identity, status and
// timestamps.
type NewTask struct {
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
}

// Daemon owns the queue, the executor cache and the approval gate, and is the
// Host every executor calls back into.
type Daemon struct {
	cfg      Config
	store    tasks.Store
	factory  ExecutorFactory
	settings queue.SettingsStore
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	queue *queue.Manager
	cache *executorCache
	gate  *approvalGate
	idem  *idempotency.Manager

	runCtx    context.Context
	cancelRun context.CancelFunc

	sweepMu     sync.Mutex
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
	closed      atomic.Bool
	shutdownErr error
	shutdownOne sync.Once
}

var _ Host = (*Daemon)(nil)

// New builds a daemon around store and factory. Call Recover to load work
// from a previous run and StartSweeper to begin evicting idle executors.
func New(ctx context.Context, cfg Config, store tasks.Store, factory ExecutorFactory, opts ...Option) *Daemon {
	cfg = cfg.withDefaults()
	d := &Daemon{
		cfg:     cfg,
		store:   store,
		factory: factory,
		logger:  zap.NewNop(),
		now:     time.Now,
		gate:    newApprovalGate(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bus == nil {
		d.bus = events.NewBus()
	}
	d.bus.OnDrop(d.metrics.ObserveBusDrop)
	d.cache = newExecutorCache(d.now)
	d.idem = idempotency.NewManager(cfg.IdempotencyRetention, idempotency.WithClock(d.now))
	d.runCtx, d.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	d.queue = queue.NewManager(ctx, store, d.settings, d.startTaskImmediate, d.logger.Named("queue"))
	d.queue.OnStatus(d.publishQueueStatus)
	return d
}

// Recover loads tasks left over from a previous run into the queue. Tasks
// that were planning or executing keep their slots.
func (d *Daemon) Recover(ctx context.Context) error {
	queued, err := d.store.ListTasksByStatus(ctx, tasks.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	running, err := d.store.ListTasksByStatus(ctx, tasks.TaskStatusPlanning, tasks.TaskStatusExecuting)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	d.queue.Initialize(context.WithoutCancel(ctx), queued, running)
	return nil
}

// StartSweeper evicts stale completed executors every SweepInterval until
// ctx ends or Shutdown is called.
func (d *Daemon) StartSweeper(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.stopSweep != nil || d.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.stopSweep = cancel
	d.sweepDone = make(chan struct{})

	ticker := time.NewTicker(d.cfg.SweepInterval)
	go func() {
		defer close(d.sweepDone)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepExecutors()
			}
		}
	}()
}

func (d *Daemon) sweepExecutors() {
	expired, trimmed := d.cache.sweep(d.cfg.ExecutorTTL, d.cfg.MaxCompletedExecutors)
	if len(expired)+len(trimmed) > 0 {
		d.logger.Debug("evicted executors",
			zap.Strings("expired", expired),
			zap.Strings("trimmed", trimmed),
		)
	}
	d.metrics.ObserveEviction("ttl", len(expired))
	d.metrics.ObserveEviction("capacity", len(trimmed))
	d.observeCache()
}

// SubmitTask persists a new task and hands it to the queue.
func (d *Daemon) SubmitTask(ctx context.Context, req NewTask) (tasks.Task, error) {
	if d.closed.Load() {
		return tasks.Task{}, ErrShuttingDown
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	if _, err := d.store.GetWorkspace(ctx, req.WorkspaceID); err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return tasks.Task{}, ErrWorkspaceNotFound
		}
		return tasks.Task{}, fmt.Errorf("load workspace: %w", err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = summarize(req.Prompt)
	}

	now := d.now().UTC()
	task := tasks.Task{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Title:       title,
		Prompt:      strings.TrimSpace(req.Prompt),
		Status:      tasks.TaskStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("create task: %w", err)
	}
	d.metrics.ObserveTaskEvent("submitted")
	if err := d.StartTask(ctx, task); err != nil {
		return task, err
	}
	return d.GetTask(ctx, task.ID)
}

// StartTask leaves the start-or-wait decision to the queue.
func (d *Daemon) StartTask(ctx context.Context, task tasks.Task) error {
	if err := d.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		return err
	}
	if status := d.queue.Status(); !d.queue.IsRunning(task.ID) {
		for i, id := range status.QueuedTaskIDs {
			if id == task.ID {
				d.EmitTaskEvent(task.ID, tasks.EventTaskQueued, map[string]any{"position": i + 1})
				break
			}
		}
	}
	return nil
}

// startTaskImmediate is the queue's start callback. Returning an error makes
// the queue give the slot back.
func (d *Daemon) startTaskImmediate(ctx context.Context, task tasks.Task) error {
	startedAt := d.now()

	// The queue's snapshot may be stale; the guarded write loses to a cancel
	// that landed in the meantime.
	attempt := task.CurrentAttempt + 1
	if err := d.store.UpdateTask(ctx, task.ID, tasks.TaskPatch{
		Status:         tasks.StatusPtr(tasks.TaskStatusPlanning),
		CurrentAttempt: &attempt,
		IfStatus:       []tasks.TaskStatus{tasks.TaskStatusQueued},
	}); err != nil {
		return fmt.Errorf("claim task: %w", err)
	}

	ws, err := d.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		cause := fmt.Errorf("resolve workspace %q: %w", task.WorkspaceID, err)
		d.failTask(ctx, task.ID, cause, tasks.EventTaskError)
		return cause
	}

	ex, err := d.buildExecutor(task, ws)
	if err != nil {
		d.failTask(ctx, task.ID, err, tasks.EventTaskError)
		return err
	}
	d.cache.put(task.ID, ex)
	if current, err := d.store.GetTask(ctx, task.ID); err == nil && current.Terminal() {
		// Cancelled while the executor was being built. CancelTask frees the slot.
		if d.cache.removeIf(task.ID, ex) {
			if err := ex.Cancel(ctx); err != nil {
				d.logger.Warn("executor cancel failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		d.logger.Debug("task ended before its executor started",
			zap.String("task_id", task.ID),
			zap.String("status", string(current.Status)),
		)
		return nil
	}
	d.observeCache()

	d.EmitTaskEvent(task.ID, tasks.EventTaskCreated, map[string]any{
		"title":       task.Title,
		"workspaceId": task.WorkspaceID,
		"attempt":     attempt,
	})
	d.metrics.ObserveTaskEvent("started")
	d.metrics.ObserveStage(observability.StageQueueWait, startedAt.Sub(task.CreatedAt))
	d.metrics.ObserveStage(observability.StageExecutorStart, d.now().Sub(startedAt))

	go d.runExecutor(task.ID, ex)
	return nil
}

// buildExecutor turns factory panics into errors so a broken executor never
// takes the queue down with it.
func (d *Daemon) buildExecutor(task tasks.Task, ws tasks.Workspace) (ex Executor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor construction panicked: %v", r)
		}
	}()
	if d.factory == nil {
		return nil, errors.New("no executor factory configured")
	}
	ex, err = d.factory(task, ws, d)
	if err != nil {
		return nil, fmt.Errorf("construct executor: %w", err)
	}
	if ex == nil {
		return nil, errors.New("construct executor: factory returned nil")
	}
	return ex, nil
}

func (d *Daemon) runExecutor(taskID string, ex Executor) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panicked: %v", r)
			}
		}()
		return ex.Execute(d.runCtx)
	}()
	if err == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if !d.failTask(ctx, taskID, err, tasks.EventTaskFailed) {
		// Already cancelled or completed; the error is the executor winding down.
		d.logger.Debug("executor returned after task ended", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	d.cache.removeIf(taskID, ex)
	d.observeCache()
	d.queue.OnTaskFinished(d.runCtx, taskID)
}

// CancelTask stops a task whether it is still waiting or already running.
// A task_cancelled event is emitted in every case.
//
// The cancelled status is persisted before the executor is told to stop, so
// an executor that errors out while winding down finds a terminal task and
// does not record a second outcome.
func (d *Daemon) CancelTask(ctx context.Context, taskID string) error {
	if _, err := d.GetTask(ctx, taskID); err != nil {
		return err
	}
	qctx := context.WithoutCancel(ctx)

	if d.queue.CancelQueuedTask(taskID) {
		d.markCancelled(qctx, taskID)
		d.EmitTaskEvent(taskID, tasks.EventTaskCancelled, map[string]any{"stage": "queued"})
		return nil
	}

	cancelled := d.markCancelled(qctx, taskID)
	d.denyApprovalsForTask(taskID, deniedWith(ReasonTaskCancelled, ErrTaskCancelled))
	if ex, ok := d.cache.remove(taskID); ok {
		if err := ex.Cancel(ctx); err != nil {
			d.logger.Warn("executor cancel failed", zap.String("task_id", taskID), zap.Error(err))
		}
		d.observeCache()
	}
	if cancelled {
		d.queue.OnTaskFinished(qctx, taskID)
	}
	d.EmitTaskEvent(taskID, tasks.EventTaskCancelled, map[string]any{"stage": "running"})
	return nil
}

// markCancelled reports whether this call moved the task out of an active
// state.
func (d *Daemon) markCancelled(ctx context.Context, taskID string) bool {
	now := d.now().UTC()
	err := d.store.UpdateTask(ctx, taskID, tasks.TaskPatch{
		Status:      tasks.StatusPtr(tasks.TaskStatusCancelled),
		CompletedAt: &now,
		IfStatus:    tasks.ActiveStatuses,
	})
	if errors.Is(err, tasks.ErrStatusConflict) {
		return false
	}
	if err != nil {
		d.logger.Warn("task cancel not persisted", zap.String("task_id", taskID), zap.Error(err))
	}
	d.metrics.ObserveTaskEvent("cancelled")
	return true
}

// PauseTask is a no-op when the task has no live executor.
func (d *Daemon) PauseTask(ctx context.Context, taskID string) error {
	ex, ok := d.cache.get(taskID)
	if !ok {
		return nil
	}
	if err := ex.Pause(ctx); err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	d.EmitTaskEvent(taskID, tasks.EventTaskPaused, nil)
	return nil
}

// ResumeTask is a no-op when the task has no live executor.
func (d *Daemon) ResumeTask(ctx context.Context, taskID string) error {
	ex, ok := d.cache.get(taskID)
	if !ok {
		return nil
	}
	if err := ex.Resume(ctx); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	d.cache.markActive(taskID)
	d.observeCache()
	d.EmitTaskEvent(taskID, tasks.EventTaskResumed, nil)
	return nil
}

// MarkExecuting moves a task from planning to executing.
func (d *Daemon) MarkExecuting(ctx context.Context, taskID string) error {
	err := d.store.UpdateTask(ctx, taskID, tasks.TaskPatch{
		Status:   tasks.StatusPtr(tasks.TaskStatusExecuting),
		IfStatus: []tasks.TaskStatus{tasks.TaskStatusPlanning, tasks.TaskStatusExecuting},
	})
	if errors.Is(err, tasks.ErrStatusConflict) {
		task, getErr := d.GetTask(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrTaskFinished, task.Status)
	}
	if err != nil {
		return d.notFound(err)
	}
	d.EmitTaskEvent(taskID, tasks.EventTaskExecuting, nil)
	return nil
}

// CompleteTask finishes a task. Its executor stays cached as completed so
// follow-up messages can reuse it.
func (d *Daemon) CompleteTask(ctx context.Context, taskID string) error {
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	err = d.store.UpdateTask(ctx, taskID, tasks.TaskPatch{
		Status:      tasks.StatusPtr(tasks.TaskStatusCompleted),
		CompletedAt: &now,
		IfStatus:    []tasks.TaskStatus{tasks.TaskStatusPlanning, tasks.TaskStatusExecuting},
	})
	if errors.Is(err, tasks.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	d.cache.markCompleted(taskID)
	d.observeCache()
	d.EmitTaskEvent(taskID, tasks.EventTaskCompleted, nil)
	d.metrics.ObserveTaskEvent("completed")
	d.metrics.ObserveStage(observability.StageTaskTotal, now.Sub(task.CreatedAt))
	d.queue.OnTaskFinished(context.WithoutCancel(ctx), taskID)
	return nil
}

// FailTask records cause as the task's terminal error and frees its slot.
func (d *Daemon) FailTask(ctx context.Context, taskID string, cause error) error {
	if cause == nil {
		cause = errors.New("task failed")
	}
	if _, err := d.GetTask(ctx, taskID); err != nil {
		return err
	}
	if !d.failTask(ctx, taskID, cause, tasks.EventTaskFailed) {
		return nil
	}
	if _, ok := d.cache.remove(taskID); ok {
		d.observeCache()
	}
	d.queue.OnTaskFinished(context.WithoutCancel(ctx), taskID)
	return nil
}

// failTask reports false when the task had already reached a terminal state,
// in which case nothing is recorded.
func (d *Daemon) failTask(ctx context.Context, taskID string, cause error, eventType tasks.EventType) bool {
	now := d.now().UTC()
	msg := cause.Error()
	err := d.store.UpdateTask(ctx, taskID, tasks.TaskPatch{
		Status:      tasks.StatusPtr(tasks.TaskStatusFailed),
		Error:       &msg,
		CompletedAt: &now,
		IfStatus:    tasks.ActiveStatuses,
	})
	if errors.Is(err, tasks.ErrStatusConflict) {
		return false
	}
	if err != nil {
		d.logger.Warn("task failure not persisted", zap.String("task_id", taskID), zap.Error(err))
	}
	d.EmitTaskEvent(taskID, eventType, map[string]any{"error": msg})
	d.metrics.ObserveTaskEvent("failed")
	d.logger.Warn("task failed", zap.String("task_id", taskID), zap.String("error", msg))
	return true
}

// SendMessage forwards a follow-up message. The task and workspace are always
// re-read so permission changes take effect; an evicted executor is rebuilt
// from the task's event history first.
func (d *Daemon) SendMessage(ctx context.Context, taskID, message string) error {
	if d.closed.Load() {
		return ErrShuttingDown
	}
	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	ws, err := d.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return ErrWorkspaceNotFound
		}
		return fmt.Errorf("load workspace: %w", err)
	}

	ex, ok := d.cache.get(taskID)
	if ok {
		ex.UpdateWorkspace(ws)
	} else {
		ex, err = d.rebuildExecutor(ctx, task, ws)
		if err != nil {
			return err
		}
	}
	d.cache.markActive(taskID)
	d.observeCache()

	d.EmitTaskEvent(taskID, tasks.EventUserMessage, map[string]any{"content": message})
	if err := ex.SendMessage(ctx, message); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (d *Daemon) rebuildExecutor(ctx context.Context, task tasks.Task, ws tasks.Workspace) (Executor, error) {
	history, err := d.store.ListEventsByTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load task events: %w", err)
	}
	ex, err := d.buildExecutor(task, ws)
	if err != nil {
		return nil, err
	}
	if err := ex.RebuildConversationFromEvents(ctx, history); err != nil {
		return nil, fmt.Errorf("rebuild conversation: %w", err)
	}
	// A concurrent caller may have rebuilt first; keep whichever landed.
	cached, _ := d.cache.putIfAbsent(task.ID, ex)
	if cached == ex {
		d.logger.Info("executor rebuilt from events",
			zap.String("task_id", task.ID),
			zap.Int("events", len(history)),
		)
	} else {
		cached.UpdateWorkspace(ws)
	}
	return cached, nil
}

// EmitTaskEvent appends to the task's event log and publishes to observers.
func (d *Daemon) EmitTaskEvent(taskID string, eventType tasks.EventType, payload map[string]any) {
	rec := tasks.EventRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: d.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.AppendEvent(ctx, rec); err != nil {
		d.logger.Warn("task event not persisted",
			zap.String("task_id", taskID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
	d.bus.Publish(events.Event{
		Topic:     events.TopicTask,
		TaskID:    taskID,
		Type:      string(eventType),
		Payload:   payload,
		Timestamp: rec.Timestamp,
	})
}

func (d *Daemon) publishQueueStatus(status queue.Status) {
	d.metrics.ObserveQueue(status.RunningCount, status.QueuedCount, status.MaxConcurrent)
	d.bus.Publish(events.Event{
		Topic:     events.TopicQueue,
		Type:      "queue_update",
		Payload:   status,
		Timestamp: d.now().UTC(),
	})
}

func (d *Daemon) observeCache() {
	d.metrics.ObserveExecutorCache(d.cache.counts())
}

// GetTask maps a missing record to ErrTaskNotFound.
func (d *Daemon) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, d.notFound(err)
	}
	return task, nil
}

// ListTaskEvents returns a task's persisted history, oldest first.
func (d *Daemon) ListTaskEvents(ctx context.Context, taskID string) ([]tasks.EventRecord, error) {
	if _, err := d.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return d.store.ListEventsByTask(ctx, taskID)
}

func (d *Daemon) notFound(err error) error {
	if errors.Is(err, tasks.ErrStoreNotFound) {
		return ErrTaskNotFound
	}
	return err
}

// QueueStatus returns a snapshot of the running and waiting tasks.
func (d *Daemon) QueueStatus() queue.Status { return d.queue.Status() }

// Settings returns the queue settings in force.
func (d *Daemon) Settings() queue.Settings { return d.queue.Settings() }

// SaveSettings persists patch and lets the queue admit under the new cap.
func (d *Daemon) SaveSettings(ctx context.Context, patch queue.SettingsPatch) (queue.Settings, error) {
	return d.queue.SaveSettings(context.WithoutCancel(ctx), patch)
}

// ApplySettings adopts settings already persisted by someone else.
func (d *Daemon) ApplySettings(ctx context.Context, settings queue.Settings) {
	d.queue.ApplySettings(context.WithoutCancel(ctx), settings)
}

// Queue exposes the queue manager for the settings file watcher.
func (d *Daemon) Queue() *queue.Manager { return d.queue }

// ClearStuckTasks resets queue bookkeeping only. Executors and task records
// are left untouched.
func (d *Daemon) ClearStuckTasks() (running, queued int) {
	return d.queue.ClearStuckTasks()
}

// Subscribe streams bus events for topic, or every topic when it is empty.
func (d *Daemon) Subscribe(topic string) (<-chan events.Event, func()) {
	return d.bus.Subscribe(topic, 0)
}

// Closed reports whether Shutdown has started.
func (d *Daemon) Closed() bool { return d.closed.Load() }

// CachedExecutors reports how many executors are held, by status.
func (d *Daemon) CachedExecutors() (active, completed int) {
	return d.cache.counts()
}

// Shutdown stops the sweeper, rejects pending approvals, cancels every cached
// executor in parallel and waits at most ShutdownTimeout for them. The cache
// is cleared and the event bus closed whether or not the executors finish.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.shutdownOne.Do(func() {
		d.closed.Store(true)
		d.shutdownErr = d.shutdown(ctx)
	})
	return d.shutdownErr
}

func (d *Daemon) shutdown(ctx context.Context) error {
	d.sweepMu.Lock()
	if d.stopSweep != nil {
		d.stopSweep()
		<-d.sweepDone
	}
	d.sweepMu.Unlock()

	d.closeApprovals()

	executors := d.cache.drain()
	d.observeCache()

	cancelCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for taskID, ex := range executors {
		taskID, ex := taskID, ex
		g.Go(func() error {
			if err := ex.Cancel(cancelCtx); err != nil {
				d.logger.Warn("executor cancel failed during shutdown", zap.String("task_id", taskID), zap.Error(err))
				return fmt.Errorf("cancel %s: %w", taskID, err)
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("executors still cancelling after %s", d.cfg.ShutdownTimeout)
		d.logger.Warn("shutdown timed out waiting for executors", zap.Int("executors", len(executors)))
	case <-ctx.Done():
		err = ctx.Err()
	}

	d.cancelRun()
	d.bus.Close()
	d.logger.Info("orchestrator stopped", zap.Int("executors_cancelled", len(executors)))
	return err
}

func summarize(prompt string) string {
	s := strings.TrimSpace(prompt)
	if s == "" {
		return "Task"
	}
	if len(s) <= 80 {
		return s
	}
	s = s[:80]
	if i := strings.LastIndexByte(s, ' '); i > 40 {
		s = s[:i]
	}
	return strings.TrimSpace(s) + "..."
}
