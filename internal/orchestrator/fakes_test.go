package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskd/internal/queue"
	"github.com/ent0n29/taskd/internal/tasks"
)

type fakeExecutor struct {
	mu sync.Mutex

	task tasks.Task
	ws   tasks.Workspace
	host Host

	executeFn func(ctx context.Context) error
	cancelFn  func(ctx context.Context) error

	cancels    int
	pauses     int
	resumes    int
	messages   []string
	workspaces []tasks.Workspace
	rebuiltLen int
	rebuilt    bool
}

func (f *fakeExecutor) Execute(ctx context.Context) error {
	if f.executeFn != nil {
		return f.executeFn(ctx)
	}
	return nil
}

func (f *fakeExecutor) Cancel(ctx context.Context) error {
	f.mu.Lock()
	f.cancels++
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeExecutor) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeExecutor) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeExecutor) SendMessage(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeExecutor) UpdateWorkspace(ws tasks.Workspace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ws = ws
	f.workspaces = append(f.workspaces, ws)
}

func (f *fakeExecutor) RebuildConversationFromEvents(_ context.Context, history []tasks.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = true
	f.rebuiltLen = len(history)
	return nil
}

func (f *fakeExecutor) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeExecutor) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// fakeFactory records every executor it builds. failTitles makes
// construction fail for tasks with those titles.
type fakeFactory struct {
	mu         sync.Mutex
	built      []*fakeExecutor
	failTitles map[string]bool
	configure  func(*fakeExecutor)
}

func (f *fakeFactory) build(task tasks.Task, ws tasks.Workspace, host Host) (Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTitles[task.Title] {
		return nil, errors.New("sandbox unavailable")
	}
	ex := &fakeExecutor{task: task, ws: ws, host: host}
	if f.configure != nil {
		f.configure(ex)
	}
	f.built = append(f.built, ex)
	return ex, nil
}

func (f *fakeFactory) Built() []*fakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeExecutor(nil), f.built...)
}

func (f *fakeFactory) For(taskID string) []*fakeExecutor {
	var out []*fakeExecutor
	for _, ex := range f.Built() {
		if ex.task.ID == taskID {
			out = append(out, ex)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	daemon  *Daemon
	store   *tasks.MemoryStore
	factory *fakeFactory
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config, maxConcurrent int) *harness {
	t.Helper()
	store := tasks.NewMemoryStore()
	return newHarnessOn(t, cfg, maxConcurrent, store, store)
}

// newHarnessOn runs the daemon against backing, which wraps mem.
func newHarnessOn(t *testing.T, cfg Config, maxConcurrent int, backing tasks.Store, mem *tasks.MemoryStore) *harness {
	t.Helper()
	require.NoError(t, mem.SaveWorkspace(context.Background(), tasks.Workspace{
		ID:          "ws-1",
		Name:        "default",
		AllowWrites: true,
	}))
	factory := &fakeFactory{failTitles: map[string]bool{}}
	clock := newFakeClock()
	d := New(context.Background(), cfg, backing, factory.build,
		WithSettingsStore(queue.NewMemorySettingsStore(queue.Settings{MaxConcurrentTasks: maxConcurrent})),
		WithClock(clock.Now),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return &harness{daemon: d, store: mem, factory: factory, clock: clock}
}

// stallingStore blocks the first armed GetTask after reading the task, which
// hands the caller a snapshot that other goroutines can invalidate.
type stallingStore struct {
	*tasks.MemoryStore

	mu      sync.Mutex
	stallID string
	reached chan struct{}
	release chan struct{}
}

func (s *stallingStore) arm(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallID = taskID
	s.reached = make(chan struct{})
	s.release = make(chan struct{})
}

func (s *stallingStore) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := s.MemoryStore.GetTask(ctx, taskID)

	s.mu.Lock()
	stall := s.stallID != "" && s.stallID == taskID
	reached, release := s.reached, s.release
	if stall {
		s.stallID = ""
	}
	s.mu.Unlock()

	if stall {
		close(reached)
		<-release
	}
	return task, err
}

func (h *harness) submit(t *testing.T, title string) tasks.Task {
	t.Helper()
	h.clock.Advance(time.Second)
	task, err := h.daemon.SubmitTask(context.Background(), NewTask{WorkspaceID: "ws-1", Title: title, Prompt: "do " + title})
	require.NoError(t, err)
	return task
}

func (h *harness) task(t *testing.T, id string) tasks.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) countEvents(t *testing.T, taskID string, eventType tasks.EventType) int {
	t.Helper()
	history, err := h.store.ListEventsByTask(context.Background(), taskID)
	require.NoError(t, err)
	n := 0
	for _, evt := range history {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}
