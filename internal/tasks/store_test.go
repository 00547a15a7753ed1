package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "nested", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreTaskLifecycle(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			require.NoError(t, store.CreateTask(ctx, Task{ID: "t2", WorkspaceID: "ws", Title: "second", Status: TaskStatusQueued, CreatedAt: base.Add(time.Second)}))
			require.NoError(t, store.CreateTask(ctx, Task{ID: "t1", WorkspaceID: "ws", Title: "first", Prompt: "do it", Status: TaskStatusQueued, CreatedAt: base}))
			require.NoError(t, store.CreateTask(ctx, Task{ID: "t3", WorkspaceID: "ws", Title: "done", Status: TaskStatusCompleted, CreatedAt: base}))

			got, err := store.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "do it", got.Prompt)
			assert.Equal(t, TaskStatusQueued, got.Status)

			queued, err := store.ListTasksByStatus(ctx, TaskStatusQueued, TaskStatusPlanning)
			require.NoError(t, err)
			require.Len(t, queued, 2)
			assert.Equal(t, "t1", queued[0].ID, "oldest first")
			assert.Equal(t, "t2", queued[1].ID)

			completedAt := base.Add(time.Minute)
			require.NoError(t, store.UpdateTask(ctx, "t1", TaskPatch{
				Status:      StatusPtr(TaskStatusFailed),
				Error:       StringPtr("boom"),
				CompletedAt: &completedAt,
			}))
			got, err = store.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, TaskStatusFailed, got.Status)
			assert.Equal(t, "boom", got.Error)
			require.NotNil(t, got.CompletedAt)
			assert.True(t, got.CompletedAt.Equal(completedAt))
			assert.True(t, got.Terminal())

			_, err = store.GetTask(ctx, "missing")
			assert.True(t, errors.Is(err, ErrStoreNotFound))
			assert.ErrorIs(t, store.UpdateTask(ctx, "missing", TaskPatch{Status: StatusPtr(TaskStatusFailed)}), ErrStoreNotFound)
		})
	}
}

func TestStoreApprovals(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateTask(ctx, Task{ID: "t1", WorkspaceID: "ws", Title: "deploy", Status: TaskStatusPlanning}))

			created, err := store.CreateApproval(ctx, Approval{
				TaskID:      "t1",
				Type:        "shell_command",
				Description: "run make deploy",
				Details:     map[string]any{"risk": "high"},
			})
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)
			assert.Equal(t, ApprovalStatusPending, created.Status)

			require.NoError(t, store.UpdateApprovalStatus(ctx, created.ID, ApprovalStatusDenied, "timeout"))
			got, err := store.GetApproval(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, ApprovalStatusDenied, got.Status)
			assert.Equal(t, "timeout", got.Reason)
			assert.Equal(t, "high", got.Details["risk"])
			assert.NotNil(t, got.ResolvedAt)

			_, err = store.GetApproval(ctx, "missing")
			assert.ErrorIs(t, err, ErrStoreNotFound)
			assert.ErrorIs(t, store.UpdateApprovalStatus(ctx, "missing", ApprovalStatusApproved, "user"), ErrStoreNotFound)
		})
	}
}

func TestStoreEventsKeepAppendOrder(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			types := []EventType{EventTaskCreated, EventTaskQueued, EventTaskExecuting, EventTaskOutput, EventTaskCompleted}
			for _, typ := range types {
				// Identical timestamps must still list in append order.
				require.NoError(t, store.AppendEvent(ctx, EventRecord{TaskID: "t1", Type: typ, Timestamp: at, Payload: map[string]any{"type": string(typ)}}))
			}
			require.NoError(t, store.AppendEvent(ctx, EventRecord{TaskID: "other", Type: EventTaskCreated}))

			history, err := store.ListEventsByTask(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, history, len(types))
			for i, evt := range history {
				assert.Equal(t, types[i], evt.Type)
				assert.Equal(t, string(types[i]), evt.Payload["type"])
				assert.NotEmpty(t, evt.ID)
			}

			empty, err := store.ListEventsByTask(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStoreWorkspaces(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveWorkspace(ctx, Workspace{ID: "ws", Name: "repo", AllowShell: true}))
			require.NoError(t, store.SaveWorkspace(ctx, Workspace{ID: "ws", Name: "repo", AllowShell: true, AutoApprove: true}))

			ws, err := store.GetWorkspace(ctx, "ws")
			require.NoError(t, err)
			assert.True(t, ws.AllowShell)
			assert.True(t, ws.AutoApprove)
			assert.False(t, ws.AllowNetwork)

			_, err = store.GetWorkspace(ctx, "missing")
			assert.ErrorIs(t, err, ErrStoreNotFound)
		})
	}
}

func TestNewStoreModes(t *testing.T) {
	ctx := context.Background()
	st, mode, err := NewStore(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "in-memory", mode)
	require.NoError(t, st.Close())

	st, mode, err = NewStore(ctx, "", filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", mode)
	require.NoError(t, st.Close())
}

func TestStoreGuardedUpdateRejectsStaleStatus(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateTask(ctx, Task{ID: "t1", WorkspaceID: "ws", Title: "build", Status: TaskStatusQueued}))
			require.NoError(t, store.UpdateTask(ctx, "t1", TaskPatch{Status: StatusPtr(TaskStatusCancelled)}))

			err := store.UpdateTask(ctx, "t1", TaskPatch{
				Status:   StatusPtr(TaskStatusPlanning),
				IfStatus: []TaskStatus{TaskStatusQueued},
			})
			assert.ErrorIs(t, err, ErrStatusConflict)

			got, err := store.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, TaskStatusCancelled, got.Status, "guarded update must not overwrite")

			require.NoError(t, store.UpdateTask(ctx, "t1", TaskPatch{
				Error:    StringPtr("late note"),
				IfStatus: []TaskStatus{TaskStatusCancelled},
			}))
		})
	}
}
