package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/tasks"
)

// StartFunc begins running a task that has been granted a slot. It should
// return quickly; the work itself runs asynchronously.
type StartFunc func(ctx context.Context, task tasks.Task) error

// Status is the snapshot published after every admission change.
type Status struct {
	RunningCount   int      `json:"runningCount"`
	QueuedCount    int      `json:"queuedCount"`
	RunningTaskIDs []string `json:"runningTaskIds"`
	QueuedTaskIDs  []string `json:"queuedTaskIds"`
	MaxConcurrent  int      `json:"maxConcurrent"`
}

// Manager admits tasks in FIFO order while keeping the running set at or
// below the configured concurrency cap. A slot is reserved under the lock
// before the start callback runs and released if the start fails.
type Manager struct {
	mu sync.Mutex

	repo     tasks.TaskRepository
	store    SettingsStore
	start    StartFunc
	logger   *zap.Logger
	onStatus func(Status)

	settings    Settings
	queued      []string
	running     map[string]struct{}
	initialized bool
}

// NewManager loads settings from store, falling back to defaults when they
// cannot be read. start is called for every task granted a slot.
func NewManager(ctx context.Context, repo tasks.TaskRepository, store SettingsStore, start StartFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemorySettingsStore(DefaultSettings())
	}
	settings, err := store.Load(ctx)
	if err != nil {
		logger.Warn("queue settings unreadable, using defaults", zap.Error(err))
		settings = DefaultSettings()
	}
	return &Manager{
		repo:     repo,
		store:    store,
		start:    start,
		logger:   logger,
		settings: settings.Normalize(),
		running:  make(map[string]struct{}),
	}
}

// OnStatus registers the listener that receives a snapshot after every
// admission-state change.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// Initialize loads state recovered from a previous run. Only the first call
// has any effect.
func (m *Manager) Initialize(ctx context.Context, queued, running []tasks.Task) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = true

	ordered := append([]tasks.Task(nil), queued...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	for _, task := range running {
		m.running[task.ID] = struct{}{}
	}
	for _, task := range ordered {
		if _, busy := m.running[task.ID]; busy || m.indexLocked(task.ID) >= 0 {
			continue
		}
		m.queued = append(m.queued, task.ID)
	}
	m.mu.Unlock()

	m.logger.Info("queue initialized",
		zap.Int("queued", len(ordered)),
		zap.Int("running", len(running)),
	)
	m.admit(ctx)
	m.broadcast()
}

// Enqueue starts task right away when a slot is free and nobody is waiting,
// otherwise appends it to the queue and persists the queued status.
func (m *Manager) Enqueue(ctx context.Context, task tasks.Task) error {
	m.mu.Lock()
	if _, busy := m.running[task.ID]; busy || m.indexLocked(task.ID) >= 0 {
		m.mu.Unlock()
		return nil
	}
	immediate := len(m.queued) == 0 && m.hasSlotLocked()
	if immediate {
		m.running[task.ID] = struct{}{}
	} else {
		m.queued = append(m.queued, task.ID)
	}
	m.mu.Unlock()

	var err error
	if immediate {
		if !m.launch(ctx, task) {
			m.admit(ctx)
		}
	} else {
		err = m.repo.UpdateTask(ctx, task.ID, tasks.TaskPatch{Status: tasks.StatusPtr(tasks.TaskStatusQueued)})
		if err != nil {
			err = fmt.Errorf("mark task queued: %w", err)
		}
	}
	m.broadcast()
	return err
}

// OnTaskFinished frees the slot held by taskID and admits the next waiting
// task. Repeated calls for the same task are harmless.
func (m *Manager) OnTaskFinished(ctx context.Context, taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.mu.Unlock()

	m.admit(ctx)
	m.broadcast()
}

// CancelQueuedTask removes a task that has not started yet. It reports
// whether the task was waiting.
func (m *Manager) CancelQueuedTask(taskID string) bool {
	m.mu.Lock()
	idx := m.indexLocked(taskID)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.queued = append(m.queued[:idx:idx], m.queued[idx+1:]...)
	m.mu.Unlock()

	m.broadcast()
	return true
}

// Settings returns the settings currently in force.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SaveSettings clamps and persists patch, then admits whatever a raised cap
// now allows.
func (m *Manager) SaveSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	m.mu.Lock()
	next := m.settings.Merge(patch)
	m.mu.Unlock()

	if err := m.store.Save(ctx, next); err != nil {
		return m.Settings(), fmt.Errorf("save queue settings: %w", err)
	}
	m.ApplySettings(ctx, next)
	return next, nil
}

// ApplySettings swaps in settings that were already persisted elsewhere, such
// as a settings file edited on disk.
func (m *Manager) ApplySettings(ctx context.Context, settings Settings) {
	settings = settings.Normalize()
	m.mu.Lock()
	changed := m.settings != settings
	m.settings = settings
	m.mu.Unlock()

	if changed {
		m.logger.Info("queue settings applied", zap.Int("max_concurrent_tasks", settings.MaxConcurrentTasks))
	}
	m.admit(ctx)
	m.broadcast()
}

// ClearStuckTasks empties the running set and the queue. It does not cancel
// any executor.
func (m *Manager) ClearStuckTasks() (running, queued int) {
	m.mu.Lock()
	running = len(m.running)
	queued = len(m.queued)
	m.running = make(map[string]struct{})
	m.queued = nil
	m.mu.Unlock()

	m.logger.Warn("cleared stuck queue state", zap.Int("running", running), zap.Int("queued", queued))
	m.broadcast()
	return running, queued
}

// Status returns a snapshot of the running set and the queue.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// IsRunning reports whether taskID currently holds a slot.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[taskID]
	return ok
}

// admit pops queued tasks while slots are free. Each popped task is re-read
// from the repository and only started if it is still queued.
func (m *Manager) admit(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.queued) == 0 || !m.hasSlotLocked() {
			m.mu.Unlock()
			return
		}
		taskID := m.queued[0]
		m.queued = m.queued[1:]
		m.running[taskID] = struct{}{}
		m.mu.Unlock()

		task, err := m.repo.GetTask(ctx, taskID)
		if err != nil {
			if !errors.Is(err, tasks.ErrStoreNotFound) {
				m.logger.Warn("queued task lookup failed", zap.String("task_id", taskID), zap.Error(err))
			}
			m.release(taskID)
			continue
		}
		if task.Status != tasks.TaskStatusQueued {
			m.logger.Debug("skipping queued task no longer queued",
				zap.String("task_id", taskID),
				zap.String("status", string(task.Status)),
			)
			m.release(taskID)
			continue
		}
		m.launch(ctx, task)
	}
}

// launch runs the start callback for a task whose slot is already reserved.
// A failed or panicking start gives the slot back. A task whose slot was
// released while it was being read (OnTaskFinished from a cancel) is skipped.
func (m *Manager) launch(ctx context.Context, task tasks.Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task start panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			m.release(task.ID)
			ok = false
		}
	}()

	m.mu.Lock()
	_, held := m.running[task.ID]
	m.mu.Unlock()
	if !held {
		m.logger.Debug("slot released before start", zap.String("task_id", task.ID))
		return false
	}
	if m.start == nil {
		m.release(task.ID)
		return false
	}
	if err := m.start(ctx, task); err != nil {
		if errors.Is(err, tasks.ErrStatusConflict) {
			m.logger.Debug("task left the queue before start", zap.String("task_id", task.ID), zap.Error(err))
		} else {
			m.logger.Warn("task start failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		m.release(task.ID)
		m.broadcast()
		return false
	}
	return true
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.mu.Unlock()
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	fn := m.onStatus
	status := m.statusLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (m *Manager) hasSlotLocked() bool {
	return len(m.running) < m.settings.MaxConcurrentTasks
}

func (m *Manager) indexLocked(taskID string) int {
	for i, id := range m.queued {
		if id == taskID {
			return i
		}
	}
	return -1
}

func (m *Manager) statusLocked() Status {
	running := make([]string, 0, len(m.running))
	for id := range m.running {
		running = append(running, id)
	}
	sort.Strings(running)
	return Status{
		RunningCount:   len(m.running),
		QueuedCount:    len(m.queued),
		RunningTaskIDs: running,
		QueuedTaskIDs:  append([]string(nil), m.queued...),
		MaxConcurrent:  m.settings.MaxConcurrentTasks,
	}
}
