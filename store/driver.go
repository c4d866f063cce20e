package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for database access to raw objects.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Task records
	CreateTask(ctx context.Context, create *Task) (*Task, error)
	UpdateTaskStatus(ctx context.Context, update *UpdateTaskStatus) (bool, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	CreateTaskEvent(ctx context.Context, create *TaskEvent) error
	ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error)

	// Episodes
	UpsertEpisode(ctx context.Context, upsert *Episode) (*Episode, error)
	GetEpisode(ctx context.Context, uid string) (*Episode, error)

	// Graph schema
	UpsertEntityType(ctx context.Context, upsert *EntityType) error
	UpsertEdgeType(ctx context.Context, upsert *EdgeType) error
	UpsertEdgeTypeMap(ctx context.Context, upsert *EdgeTypeMap) error
	ListEntityTypes(ctx context.Context, find *FindGraphSchema) ([]*EntityType, error)
	ListEdgeTypes(ctx context.Context, find *FindGraphSchema) ([]*EdgeType, error)
	ListEdgeTypeMaps(ctx context.Context, find *FindGraphSchema) ([]*EdgeTypeMap, error)
}
