package postgres

import (
	"context"

	"github.com/pkg/errors"
)

var migrationStmts = []string{
	`CREATE TABLE IF NOT EXISTS task (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BYTEA NOT NULL DEFAULT ''::bytea,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		stopped_at TIMESTAMPTZ,
		worker_id TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		result BYTEA,
		error TEXT,
		entity_id TEXT,
		entity_type TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_group_status ON task (group_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_task_status ON task (status)`,
	`CREATE TABLE IF NOT EXISTS task_event (
		id BIGSERIAL PRIMARY KEY,
		task_id TEXT NOT NULL,
		event TEXT NOT NULL,
		worker_id TEXT,
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_event_task ON task_event (task_id)`,
	`CREATE TABLE IF NOT EXISTS episode (
		id BIGSERIAL PRIMARY KEY,
		uid TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		source_description TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'text',
		valid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS entity_type (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'generated',
		status TEXT NOT NULL DEFAULT 'enabled',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS edge_type (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'generated',
		status TEXT NOT NULL DEFAULT 'enabled',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS edge_type_map (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		target_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, source_type, edge_type, target_type)
	)`,
}

// Migrate creates the schema idempotently.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to execute migration statement")
		}
	}
	return nil
}
