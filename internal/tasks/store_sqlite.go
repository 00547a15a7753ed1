package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists tasks, approvals, events and workspaces in a single
// SQLite file. Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite ignores _foreign_keys in the DSN.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			root_path TEXT NOT NULL DEFAULT '',
			allow_network INTEGER NOT NULL DEFAULT 0,
			allow_shell INTEGER NOT NULL DEFAULT 0,
			allow_writes INTEGER NOT NULL DEFAULT 0,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			title TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_attempt INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			requested_at INTEGER NOT NULL,
			resolved_at INTEGER NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_created ON task_events (task_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.WorkspaceID, task.Title, task.Prompt, string(task.Status), task.CurrentAttempt, task.Error,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(), nullableUnix(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at
		   FROM tasks WHERE id = ?`,
		taskID,
	)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	query := `SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, 0, len(statuses))
		for _, st := range statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at
		   FROM tasks WHERE id = ?`,
		taskID,
	)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("load task for update: %w", err)
	}
	if !patch.Allows(task.Status) {
		return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, taskID, task.Status)
	}
	patch.Apply(&task)
	task.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, current_attempt = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(task.Status), task.CurrentAttempt, task.Error, task.UpdatedAt.UnixNano(), nullableUnix(task.CompletedAt), task.ID,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, approval Approval) (Approval, error) {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.RequestedAt.IsZero() {
		approval.RequestedAt = time.Now().UTC()
	}
	if approval.Status == "" {
		approval.Status = ApprovalStatusPending
	}
	details, err := marshalJSONMap(approval.Details)
	if err != nil {
		return Approval{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, task_id, type, description, details, status, reason, requested_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.TaskID, approval.Type, approval.Description, string(details),
		string(approval.Status), approval.Reason, approval.RequestedAt.UnixNano(), nullableUnix(approval.ResolvedAt),
	); err != nil {
		return Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return approval, nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var (
		approval    Approval
		status      string
		details     string
		requestedAt int64
		resolvedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, type, description, details, status, reason, requested_at, resolved_at
		   FROM approvals WHERE id = ?`,
		approvalID,
	).Scan(&approval.ID, &approval.TaskID, &approval.Type, &approval.Description, &details,
		&status, &approval.Reason, &requestedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Approval{}, ErrStoreNotFound
		}
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	approval.Status = ApprovalStatus(status)
	approval.RequestedAt = time.Unix(0, requestedAt).UTC()
	approval.ResolvedAt = timeFromNullable(resolvedAt)
	if approval.Details, err = unmarshalJSONMap([]byte(details)); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

func (s *SQLiteStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status ApprovalStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reason = ?, resolved_at = ? WHERE id = ?`,
		string(status), reason, time.Now().UTC().UnixNano(), approvalID,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, evt EventRecord) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := marshalJSONMap(evt.Payload)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (id, task_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.ID, evt.TaskID, string(evt.Type), string(payload), evt.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEventsByTask(ctx context.Context, taskID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, type, payload, created_at FROM task_events WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRecord, 0, 32)
	for rows.Next() {
		var (
			evt     EventRecord
			typ     string
			payload string
			created int64
		)
		if err := rows.Scan(&evt.ID, &evt.TaskID, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		evt.Type = EventType(typ)
		evt.Timestamp = time.Unix(0, created).UTC()
		if evt.Payload, err = unmarshalJSONMap([]byte(payload)); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task event rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveWorkspace(ctx context.Context, ws Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, root_path, allow_network, allow_shell, allow_writes, auto_approve, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			allow_network = excluded.allow_network,
			allow_shell = excluded.allow_shell,
			allow_writes = excluded.allow_writes,
			auto_approve = excluded.auto_approve,
			updated_at = excluded.updated_at
	`, ws.ID, ws.Name, ws.RootPath, ws.AllowNetwork, ws.AllowShell, ws.AllowWrites, ws.AutoApprove,
		ws.CreatedAt.UnixNano(), ws.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var (
		ws               Workspace
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, allow_network, allow_shell, allow_writes, auto_approve, created_at, updated_at
		   FROM workspaces WHERE id = ?`,
		workspaceID,
	).Scan(&ws.ID, &ws.Name, &ws.RootPath, &ws.AllowNetwork, &ws.AllowShell, &ws.AllowWrites, &ws.AutoApprove, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workspace{}, ErrStoreNotFound
		}
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	ws.CreatedAt = time.Unix(0, created).UTC()
	ws.UpdatedAt = time.Unix(0, updated).UTC()
	return ws, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteTask(row rowScanner) (Task, error) {
	var (
		task             Task
		status           string
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(
		&task.ID,
		&task.WorkspaceID,
		&task.Title,
		&task.Prompt,
		&status,
		&task.CurrentAttempt,
		&task.Error,
		&created,
		&updated,
		&completed,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.CreatedAt = time.Unix(0, created).UTC()
	task.UpdatedAt = time.Unix(0, updated).UTC()
	task.CompletedAt = timeFromNullable(completed)
	return task, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
