package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/engram/store"
)

const taskFields = `id, group_id, kind, payload, status, attempts, max_attempts,
	created_ts, started_ts, completed_ts, stopped_ts, worker_id,
	progress, message, result, error, entity_id, entity_type`

// CreateTask inserts a new task row.
func (d *DB) CreateTask(ctx context.Context, create *store.Task) (*store.Task, error) {
	stmt := `
		INSERT INTO task (id, group_id, kind, payload, status, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING created_ts
	`
	var createdTs int64
	err := d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.GroupID,
		create.Kind,
		create.Payload,
		string(create.Status),
		create.Attempts,
		create.MaxAttempts,
	).Scan(&createdTs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, store.ErrDuplicateTask
		}
		return nil, errors.Wrap(err, "failed to create task")
	}
	create.CreatedAt = time.Unix(createdTs, 0)
	return create, nil
}

// UpdateTaskStatus performs a compare-and-swap on the status column.
func (d *DB) UpdateTaskStatus(ctx context.Context, update *store.UpdateTaskStatus) (bool, error) {
	set, args := []string{"status = ?"}, []any{string(update.To)}

	if update.StartedAt != nil {
		set, args = append(set, "started_ts = ?"), append(args, update.StartedAt.Unix())
	}
	if update.CompletedAt != nil {
		set, args = append(set, "completed_ts = ?"), append(args, update.CompletedAt.Unix())
	}
	if update.StoppedAt != nil {
		set, args = append(set, "stopped_ts = ?"), append(args, update.StoppedAt.Unix())
	}
	if update.WorkerID != nil {
		set, args = append(set, "worker_id = ?"), append(args, *update.WorkerID)
	}
	if update.Progress != nil {
		set, args = append(set, "progress = ?"), append(args, *update.Progress)
	}
	if update.Message != nil {
		set, args = append(set, "message = ?"), append(args, *update.Message)
	}
	if update.Result != nil {
		set, args = append(set, "result = ?"), append(args, update.Result)
	}
	if update.Error != nil {
		set, args = append(set, "error = ?"), append(args, *update.Error)
	}
	if update.EntityID != nil {
		set, args = append(set, "entity_id = ?"), append(args, *update.EntityID)
	}
	if update.EntityType != nil {
		set, args = append(set, "entity_type = ?"), append(args, *update.EntityType)
	}
	if update.ClearWorkerID {
		set = append(set, "worker_id = NULL")
	}
	if update.ClearStartedAt {
		set = append(set, "started_ts = NULL")
	}
	if update.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}

	args = append(args, update.ID, string(update.From))
	stmt := "UPDATE task SET " + strings.Join(set, ", ") + " WHERE id = ? AND status = ?"

	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update task status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected > 0, nil
}

// GetTask returns the task row, or nil when absent.
func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	query := "SELECT " + taskFields + " FROM task WHERE id = ?"
	task, err := scanTask(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get task")
	}
	return task, nil
}

// ListTasks lists task rows matching find, newest first.
func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.GroupID != nil {
		where, args = append(where, "group_id = ?"), append(args, *find.GroupID)
	}
	if find.Kind != nil {
		where, args = append(where, "kind = ?"), append(args, *find.Kind)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}
	if find.EntityID != nil {
		where, args = append(where, "entity_id = ?"), append(args, *find.EntityID)
	}

	query := "SELECT " + taskFields + " FROM task WHERE " + strings.Join(where, " AND ") + " ORDER BY created_ts DESC, id DESC"
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}
	if find.Offset != nil {
		query += " OFFSET ?"
		args = append(args, *find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating tasks")
	}
	return tasks, nil
}

// CreateTaskEvent appends a history entry for a task.
func (d *DB) CreateTaskEvent(ctx context.Context, create *store.TaskEvent) error {
	stmt := `
		INSERT INTO task_event (task_id, event, worker_id, detail)
		VALUES (?, ?, ?, ?)
		RETURNING id, created_ts
	`
	var createdTs int64
	err := d.db.QueryRowContext(ctx, stmt,
		create.TaskID,
		create.Event,
		create.WorkerID,
		create.Detail,
	).Scan(&create.ID, &createdTs)
	if err != nil {
		return errors.Wrap(err, "failed to create task event")
	}
	create.CreatedAt = time.Unix(createdTs, 0)
	return nil
}

// ListTaskEvents lists a task's history, oldest first.
func (d *DB) ListTaskEvents(ctx context.Context, taskID string) ([]*store.TaskEvent, error) {
	query := `
		SELECT id, task_id, event, worker_id, detail, created_ts
		FROM task_event
		WHERE task_id = ?
		ORDER BY id ASC
	`
	rows, err := d.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task events")
	}
	defer rows.Close()

	var events []*store.TaskEvent
	for rows.Next() {
		var event store.TaskEvent
		var workerID, detail sql.NullString
		var createdTs int64
		if err := rows.Scan(
			&event.ID,
			&event.TaskID,
			&event.Event,
			&workerID,
			&detail,
			&createdTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan task event")
		}
		if workerID.Valid {
			event.WorkerID = &workerID.String
		}
		if detail.Valid {
			event.Detail = &detail.String
		}
		event.CreatedAt = time.Unix(createdTs, 0)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task events")
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var task store.Task
	var createdTs int64
	var startedTs, completedTs, stoppedTs sql.NullInt64
	var workerID, message, errText, entityID, entityType sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.GroupID,
		&task.Kind,
		&task.Payload,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&createdTs,
		&startedTs,
		&completedTs,
		&stoppedTs,
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

	task.CreatedAt = time.Unix(createdTs, 0)
	task.StartedAt = unixPtr(startedTs)
	task.CompletedAt = unixPtr(completedTs)
	task.StoppedAt = unixPtr(stoppedTs)
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
