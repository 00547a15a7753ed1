package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the shared-database Store, backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			root_path TEXT NOT NULL DEFAULT '',
			allow_network BOOLEAN NOT NULL DEFAULT FALSE,
			allow_shell BOOLEAN NOT NULL DEFAULT FALSE,
			allow_writes BOOLEAN NOT NULL DEFAULT FALSE,
			auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			title TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_attempt INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			requested_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_created ON task_events (task_id, created_at ASC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		task.ID,
		task.WorkspaceID,
		task.Title,
		task.Prompt,
		string(task.Status),
		task.CurrentAttempt,
		task.Error,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at
		   FROM tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	query := `SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at
	            FROM tasks`
	args := []any{}
	if len(names) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanTask(rows)
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

func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT id, workspace_id, title, prompt, status, current_attempt, error, created_at, updated_at, completed_at
		   FROM tasks WHERE id=$1 FOR UPDATE`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("load task for update: %w", err)
	}
	if !patch.Allows(task.Status) {
		return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, taskID, task.Status)
	}
	patch.Apply(&task)
	task.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status=$2, current_attempt=$3, error=$4, updated_at=$5, completed_at=$6 WHERE id=$1`,
		task.ID,
		string(task.Status),
		task.CurrentAttempt,
		task.Error,
		task.UpdatedAt,
		task.CompletedAt,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateApproval(ctx context.Context, approval Approval) (Approval, error) {
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
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (id, task_id, type, description, details, status, reason, requested_at, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		approval.ID,
		approval.TaskID,
		approval.Type,
		approval.Description,
		details,
		string(approval.Status),
		approval.Reason,
		approval.RequestedAt,
		approval.ResolvedAt,
	); err != nil {
		return Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return approval, nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var (
		approval Approval
		status   string
		details  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, type, description, details, status, reason, requested_at, resolved_at
		   FROM approvals WHERE id=$1`,
		approvalID,
	).Scan(
		&approval.ID,
		&approval.TaskID,
		&approval.Type,
		&approval.Description,
		&details,
		&status,
		&approval.Reason,
		&approval.RequestedAt,
		&approval.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, ErrStoreNotFound
		}
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	approval.Status = ApprovalStatus(status)
	if approval.Details, err = unmarshalJSONMap(details); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

func (s *PostgresStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status ApprovalStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status=$2, reason=$3, resolved_at=$4 WHERE id=$1`,
		approvalID, string(status), reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, evt EventRecord) error {
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
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (id, task_id, type, payload, created_at) VALUES ($1,$2,$3,$4,$5)`,
		evt.ID, evt.TaskID, string(evt.Type), payload, evt.Timestamp,
	); err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEventsByTask(ctx context.Context, taskID string) ([]EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, type, payload, created_at FROM task_events WHERE task_id=$1 ORDER BY created_at ASC, seq ASC`,
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
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &evt.TaskID, &typ, &payload, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		evt.Type = EventType(typ)
		if evt.Payload, err = unmarshalJSONMap(payload); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task event rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveWorkspace(ctx context.Context, ws Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, name, root_path, allow_network, allow_shell, allow_writes, auto_approve, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			root_path=EXCLUDED.root_path,
			allow_network=EXCLUDED.allow_network,
			allow_shell=EXCLUDED.allow_shell,
			allow_writes=EXCLUDED.allow_writes,
			auto_approve=EXCLUDED.auto_approve,
			updated_at=EXCLUDED.updated_at`,
		ws.ID, ws.Name, ws.RootPath, ws.AllowNetwork, ws.AllowShell, ws.AllowWrites, ws.AutoApprove, ws.CreatedAt, ws.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, root_path, allow_network, allow_shell, allow_writes, auto_approve, created_at, updated_at
		   FROM workspaces WHERE id=$1`,
		workspaceID,
	).Scan(&ws.ID, &ws.Name, &ws.RootPath, &ws.AllowNetwork, &ws.AllowShell, &ws.AllowWrites, &ws.AutoApprove, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workspace{}, ErrStoreNotFound
		}
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task   Task
		status string
	)
	if err := row.Scan(
		&task.ID,
		&task.WorkspaceID,
		&task.Title,
		&task.Prompt,
		&status,
		&task.CurrentAttempt,
		&task.Error,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	return task, nil
}

func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json payload: %w", err)
	}
	return data, nil
}

func unmarshalJSONMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal json payload: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
