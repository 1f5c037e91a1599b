// Package jobs records background tasks (embedding backfill, bulk imports)
// in SQLite. The chat core only enqueues and polls; execution belongs to
// external workers that claim tasks through the same table.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gemdesk/gemdesk/idgen"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is a background-job record.
type Task struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      Status     `json:"status"`
	Payload     string     `json:"payload,omitempty"` // opaque JSON
	Progress    int        `json:"progress"`          // 0-100
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("jobs: task not found")

// Queue manages the tasks table.
type Queue struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewQueue creates a queue and initialises the schema.
func NewQueue(db *sql.DB) (*Queue, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			progress     INTEGER NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			started_at   INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type, status);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("jobs: create schema: %w", err)
	}
	return &Queue{db: db, newID: idgen.Prefixed("task_", idgen.Default)}, nil
}

// Enqueue inserts a pending task and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, taskType, payloadJSON string) (string, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	id := q.newID()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, taskType, StatusPending, payloadJSON, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue: %w", err)
	}
	return id, nil
}

// Get returns a task by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, type, status, payload, progress, error, created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, id)

	var t Task
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Payload, &t.Progress, &t.Error,
		&createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &ts
	}
	return &t, nil
}

// Poll claims the oldest pending task of the given type and marks it
// processing, atomically. Returns nil when nothing is pending.
func (q *Queue) Poll(ctx context.Context, taskType string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, status, payload, progress, error, created_at
		FROM tasks
		WHERE status = ? AND type = ?
		ORDER BY created_at ASC
		LIMIT 1`, StatusPending, taskType)

	var t Task
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Payload, &t.Progress, &t.Error, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0)

	now := time.Now()
	t.StartedAt = &now
	t.Status = StatusProcessing
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		StatusProcessing, now.Unix(), t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetProgress updates progress (clamped to 0-100) for a running task.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ? WHERE id = ?`, progress, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete marks a task completed with progress 100.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, progress = 100, completed_at = ? WHERE id = ?`,
		StatusCompleted, time.Now().Unix(), id)
	return err
}

// Fail marks a task failed with the given error message.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		StatusFailed, errMsg, time.Now().Unix(), id)
	return err
}
