package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskd/internal/tasks"
)

type startRecorder struct {
	mu      sync.Mutex
	started []string
	failFor map[string]error
}

func (r *startRecorder) start(_ context.Context, task tasks.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[task.ID]; err != nil {
		return err
	}
	r.started = append(r.started, task.ID)
	return nil
}

func (r *startRecorder) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *tasks.MemoryStore, *startRecorder) {
	t.Helper()
	store := tasks.NewMemoryStore()
	rec := &startRecorder{failFor: map[string]error{}}
	settings := NewMemorySettingsStore(Settings{MaxConcurrentTasks: maxConcurrent})
	m := NewManager(context.Background(), store, settings, rec.start, nil)
	return m, store, rec
}

func seedTask(t *testing.T, store *tasks.MemoryStore, id string, createdAt time.Time) tasks.Task {
	t.Helper()
	task := tasks.Task{
		ID:          id,
		WorkspaceID: "ws-1",
		Title:       id,
		Status:      tasks.TaskStatusQueued,
		CreatedAt:   createdAt,
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestEnqueueAdmitsInOrderUnderCap(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 1)
	base := time.Now()

	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, store, id, base.Add(time.Duration(i)*time.Second))))
	}

	assert.Equal(t, []string{"T1"}, rec.Started())
	status := m.Status()
	assert.Equal(t, []string{"T1"}, status.RunningTaskIDs)
	assert.Equal(t, []string{"T2", "T3"}, status.QueuedTaskIDs)

	m.OnTaskFinished(ctx, "T1")

	assert.Equal(t, []string{"T1", "T2"}, rec.Started())
	status = m.Status()
	assert.Equal(t, []string{"T2"}, status.RunningTaskIDs)
	assert.Equal(t, []string{"T3"}, status.QueuedTaskIDs)

	m.OnTaskFinished(ctx, "T1")
	assert.Equal(t, 1, m.Status().RunningCount, "repeated finish must not free another slot")
}

func TestCancelQueuedTask(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 1)
	base := time.Now()
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, store, id, base.Add(time.Duration(i)*time.Second))))
	}

	assert.True(t, m.CancelQueuedTask("T3"))
	assert.False(t, m.CancelQueuedTask("T3"))
	assert.False(t, m.CancelQueuedTask("T1"), "running task is not in the queue")

	status := m.Status()
	assert.Equal(t, []string{"T2"}, status.QueuedTaskIDs)
	assert.Equal(t, 1, status.RunningCount)
	assert.Equal(t, []string{"T1"}, rec.Started())
}

func TestEnqueuePersistsQueuedStatus(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, 1)
	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T1", time.Now())))

	second := seedTask(t, store, "T2", time.Now())
	require.NoError(t, store.UpdateTask(ctx, "T2", tasks.TaskPatch{Status: tasks.StatusPtr(tasks.TaskStatusPlanning)}))
	require.NoError(t, m.Enqueue(ctx, second))

	got, err := store.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskStatusQueued, got.Status)
}

func TestAdmitSkipsTasksNoLongerQueued(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 1)
	base := time.Now()
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, store, id, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, store.UpdateTask(ctx, "T2", tasks.TaskPatch{Status: tasks.StatusPtr(tasks.TaskStatusCancelled)}))

	m.OnTaskFinished(ctx, "T1")

	assert.Equal(t, []string{"T1", "T3"}, rec.Started())
	assert.Equal(t, []string{"T3"}, m.Status().RunningTaskIDs)
	assert.Empty(t, m.Status().QueuedTaskIDs)
}

// stallingRepo reads the armed task and then blocks before returning it, so
// the caller holds a snapshot that can go stale.
type stallingRepo struct {
	*tasks.MemoryStore

	mu      sync.Mutex
	stallID string
	reached chan struct{}
	release chan struct{}
}

func (r *stallingRepo) arm(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stallID = taskID
	r.reached = make(chan struct{})
	r.release = make(chan struct{})
}

func (r *stallingRepo) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := r.MemoryStore.GetTask(ctx, taskID)

	r.mu.Lock()
	stall := r.stallID != "" && r.stallID == taskID
	reached, release := r.reached, r.release
	if stall {
		r.stallID = ""
	}
	r.mu.Unlock()

	if stall {
		close(reached)
		<-release
	}
	return task, err
}

func TestAdmitSkipsTaskWhoseSlotWasReleasedDuringLookup(t *testing.T) {
	ctx := context.Background()
	repo := &stallingRepo{MemoryStore: tasks.NewMemoryStore()}
	rec := &startRecorder{failFor: map[string]error{}}
	m := NewManager(ctx, repo, NewMemorySettingsStore(Settings{MaxConcurrentTasks: 1}), rec.start, nil)
	base := time.Now()
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, repo.MemoryStore, id, base.Add(time.Duration(i)*time.Second))))
	}
	require.Equal(t, []string{"T1"}, rec.Started())

	repo.arm("T2")
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.OnTaskFinished(ctx, "T1")
	}()

	select {
	case <-repo.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("admission never read T2")
	}

	// T2 already left the queue, so a cancel only finds it through the
	// running set.
	assert.False(t, m.CancelQueuedTask("T2"))
	require.NoError(t, repo.UpdateTask(ctx, "T2", tasks.TaskPatch{Status: tasks.StatusPtr(tasks.TaskStatusCancelled)}))
	m.OnTaskFinished(ctx, "T2")
	assert.Equal(t, []string{"T3"}, m.Status().RunningTaskIDs)

	close(repo.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("admission did not finish")
	}

	assert.Equal(t, []string{"T1", "T3"}, rec.Started())
	status := m.Status()
	assert.Equal(t, []string{"T3"}, status.RunningTaskIDs)
	assert.LessOrEqual(t, status.RunningCount, 1)
	assert.Empty(t, status.QueuedTaskIDs)
}

func TestStartErrorReleasesSlot(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 1)
	rec.failFor["T1"] = errors.New("executor construction failed")

	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T1", time.Now())))
	assert.Equal(t, 0, m.Status().RunningCount)

	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T2", time.Now())))
	assert.Equal(t, []string{"T2"}, rec.Started())
}

func TestStartPanicReleasesSlot(t *testing.T) {
	ctx := context.Background()
	store := tasks.NewMemoryStore()
	m := NewManager(ctx, store, NewMemorySettingsStore(Settings{MaxConcurrentTasks: 1}), func(context.Context, tasks.Task) error {
		panic("boom")
	}, nil)

	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T1", time.Now())))
	assert.Equal(t, 0, m.Status().RunningCount)
}

func TestInitializeOrdersByCreatedAt(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 2)
	base := time.Now()
	late := seedTask(t, store, "late", base.Add(2*time.Minute))
	early := seedTask(t, store, "early", base)
	mid := seedTask(t, store, "mid", base.Add(time.Minute))
	inflight := tasks.Task{ID: "inflight", Status: tasks.TaskStatusExecuting}

	m.Initialize(ctx, []tasks.Task{late, early, mid}, []tasks.Task{inflight})

	assert.Equal(t, []string{"early"}, rec.Started())
	status := m.Status()
	assert.Equal(t, []string{"early", "inflight"}, status.RunningTaskIDs)
	assert.Equal(t, []string{"mid", "late"}, status.QueuedTaskIDs)

	m.Initialize(ctx, nil, nil)
	assert.Equal(t, 2, m.Status().RunningCount, "second Initialize() must be a no-op")
}

func TestInitializeEmpty(t *testing.T) {
	m, _, rec := newTestManager(t, 2)
	m.Initialize(context.Background(), nil, nil)
	assert.Empty(t, rec.Started())
	assert.Equal(t, 0, m.Status().RunningCount)
}

func TestSaveSettingsClampsAndAdmits(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t, 1)
	base := time.Now()
	for i, id := range []string{"T1", "T2", "T3", "T4"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, store, id, base.Add(time.Duration(i)*time.Second))))
	}

	three := 3
	got, err := m.SaveSettings(ctx, SettingsPatch{MaxConcurrentTasks: &three})
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxConcurrentTasks)
	assert.Equal(t, 3, m.Settings().MaxConcurrentTasks)
	assert.Equal(t, []string{"T1", "T2", "T3"}, rec.Started())

	huge := 99
	got, err = m.SaveSettings(ctx, SettingsPatch{MaxConcurrentTasks: &huge})
	require.NoError(t, err)
	assert.Equal(t, MaxConcurrentTasks, got.MaxConcurrentTasks)

	zero := 0
	got, err = m.SaveSettings(ctx, SettingsPatch{MaxConcurrentTasks: &zero})
	require.NoError(t, err)
	assert.Equal(t, MinConcurrentTasks, got.MaxConcurrentTasks)
}

func TestClearStuckTasks(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, 1)
	for _, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, m.Enqueue(ctx, seedTask(t, store, id, time.Now())))
	}

	running, queued := m.ClearStuckTasks()
	assert.Equal(t, 1, running)
	assert.Equal(t, 2, queued)
	assert.Equal(t, Status{RunningTaskIDs: []string{}, MaxConcurrent: 1}, m.Status())
}

func TestStatusListenerReceivesSnapshots(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, 1)
	var (
		mu       sync.Mutex
		statuses []Status
	)
	m.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T1", time.Now())))
	require.NoError(t, m.Enqueue(ctx, seedTask(t, store, "T2", time.Now())))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses[1].QueuedCount)
	assert.Equal(t, 1, statuses[1].RunningCount)
}

func TestConcurrencyBoundUnderParallelLoad(t *testing.T) {
	ctx := context.Background()
	store := tasks.NewMemoryStore()

	var (
		mu      sync.Mutex
		active  int
		peak    int
		started = make(chan string, 64)
	)
	m := NewManager(ctx, store, NewMemorySettingsStore(Settings{MaxConcurrentTasks: 3}), func(_ context.Context, task tasks.Task) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		started <- task.ID
		return nil
	}, nil)

	const total = 30
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		task := seedTask(t, store, fmt.Sprintf("T%02d", i), time.Now())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Enqueue(ctx, task)
		}()
	}

	done := 0
	for done < total {
		select {
		case id := <-started:
			assert.LessOrEqual(t, m.Status().RunningCount, 3)
			mu.Lock()
			active--
			mu.Unlock()
			m.OnTaskFinished(ctx, id)
			done++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d tasks started", done, total)
		}
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 3)
}
