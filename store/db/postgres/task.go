package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hrygo/engram/store"
)

const taskFields = `id, group_id, kind, payload, status, attempts, max_attempts,
	created_at, started_at, completed_at, stopped_at, worker_id,
	progress, message, result, error, entity_id, entity_type`

// CreateTask inserts a new task row. Returns store.ErrDuplicateTask when the
// id already exists.
func (d *DB) CreateTask(ctx context.Context, create *store.Task) (*store.Task, error) {
	query := `
		INSERT INTO task (id, group_id, kind, payload, status, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := d.db.QueryRowContext(ctx, query,
		create.ID,
		create.GroupID,
		create.Kind,
		create.Payload,
		create.Status,
		create.Attempts,
		create.MaxAttempts,
	).Scan(&create.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, store.ErrDuplicateTask
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return create, nil
}

// UpdateTaskStatus performs a compare-and-swap on the status column. The
// boolean result reports whether any row matched (id, from-status).
func (d *DB) UpdateTaskStatus(ctx context.Context, update *store.UpdateTaskStatus) (bool, error) {
	set, args := []string{"status = $1"}, []any{string(update.To)}

	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if update.StartedAt != nil {
		add("started_at = $%d", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at = $%d", *update.CompletedAt)
	}
	if update.StoppedAt != nil {
		add("stopped_at = $%d", *update.StoppedAt)
	}
	if update.WorkerID != nil {
		add("worker_id = $%d", *update.WorkerID)
	}
	if update.Progress != nil {
		add("progress = $%d", *update.Progress)
	}
	if update.Message != nil {
		add("message = $%d", *update.Message)
	}
	if update.Result != nil {
		add("result = $%d", update.Result)
	}
	if update.Error != nil {
		add("error = $%d", *update.Error)
	}
	if update.EntityID != nil {
		add("entity_id = $%d", *update.EntityID)
	}
	if update.EntityType != nil {
		add("entity_type = $%d", *update.EntityType)
	}
	if update.ClearWorkerID {
		set = append(set, "worker_id = NULL")
	}
	if update.ClearStartedAt {
		set = append(set, "started_at = NULL")
	}
	if update.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}

	args = append(args, update.ID)
	idPos := len(args)
	args = append(args, string(update.From))
	fromPos := len(args)

	query := fmt.Sprintf(
		"UPDATE task SET %s WHERE id = $%d AND status = $%d",
		strings.Join(set, ", "), idPos, fromPos,
	)
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetTask returns the task row, or nil when absent.
func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	query := "SELECT " + taskFields + " FROM task WHERE id = $1"
	task, err := scanTask(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks lists task rows matching find, newest first.
func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if find.GroupID != nil {
		args = append(args, *find.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if find.Kind != nil {
		args = append(args, *find.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if find.Status != nil {
		args = append(args, string(*find.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if find.EntityID != nil {
		args = append(args, *find.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}

	query := "SELECT " + taskFields + " FROM task WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC, id DESC"
	if find.Limit != nil {
		args = append(args, *find.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if find.Offset != nil {
		args = append(args, *find.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CreateTaskEvent appends a history entry for a task.
func (d *DB) CreateTaskEvent(ctx context.Context, create *store.TaskEvent) error {
	query := `
		INSERT INTO task_event (task_id, event, worker_id, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := d.db.QueryRowContext(ctx, query,
		create.TaskID,
		create.Event,
		create.WorkerID,
		create.Detail,
	).Scan(&create.ID, &create.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task event: %w", err)
	}
	return nil
}

// ListTaskEvents lists a task's history, oldest first.
func (d *DB) ListTaskEvents(ctx context.Context, taskID string) ([]*store.TaskEvent, error) {
	query := `
		SELECT id, task_id, event, worker_id, detail, created_at
		FROM task_event
		WHERE task_id = $1
		ORDER BY id ASC
	`
	rows, err := d.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var events []*store.TaskEvent
	for rows.Next() {
		var event store.TaskEvent
		if err := rows.Scan(
			&event.ID,
			&event.TaskID,
			&event.Event,
			&event.WorkerID,
			&event.Detail,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var task store.Task
	var startedAt, completedAt, stoppedAt sql.NullTime
	var workerID, message, errText, entityID, entityType sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.GroupID,
		&task.Kind,
		&task.Payload,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&stoppedAt,
		&workerID,
		&task.Progress,
		&message,
		&task.Result,
		&errText,
		&entityID,
		&entityType,
	); err != nil {
		return nil, err
	}

	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if stoppedAt.Valid {
		task.StoppedAt = &stoppedAt.Time
	}
	if workerID.Valid {
		task.WorkerID = &workerID.String
	}
	if message.Valid {
		task.Message = &message.String
	}
	if errText.Valid {
		task.Error = &errText.String
	}
	if entityID.Valid {
		task.EntityID = &entityID.String
	}
	if entityType.Valid {
		task.EntityType = &entityType.String
	}
	return &task, nil
}
