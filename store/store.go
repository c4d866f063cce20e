package store

import (
	"context"
	"errors"
	"time"

	"github.com/hrygo/engram/internal/profile"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrDuplicateTask is returned when creating a task whose id already exists.
var ErrDuplicateTask = errors.New("duplicate task id")

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateTask(ctx context.Context, create *Task) (*Task, error) {
	return s.driver.CreateTask(ctx, create)
}

// UpdateTaskStatus applies a compare-and-swap status transition. It returns
// false when the row's current status no longer matches update.From; the
// caller decides whether losing the race matters.
func (s *Store) UpdateTaskStatus(ctx context.Context, update *UpdateTaskStatus) (bool, error) {
	return s.driver.UpdateTaskStatus(ctx, update)
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

func (s *Store) CreateTaskEvent(ctx context.Context, create *TaskEvent) error {
	return s.driver.CreateTaskEvent(ctx, create)
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	return s.driver.ListTaskEvents(ctx, taskID)
}

// FindStalledTasks returns PROCESSING tasks whose started_at is older than
// the per-kind timeout supplied by timeoutFor, measured against now.
func (s *Store) FindStalledTasks(ctx context.Context, now time.Time, timeoutFor func(kind string) time.Duration) ([]*Task, error) {
	status := TaskProcessing
	tasks, err := s.driver.ListTasks(ctx, &FindTask{Status: &status})
	if err != nil {
		return nil, err
	}
	var stalled []*Task
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) > timeoutFor(t.Kind) {
			stalled = append(stalled, t)
		}
	}
	return stalled, nil
}

func (s *Store) UpsertEpisode(ctx context.Context, upsert *Episode) (*Episode, error) {
	return s.driver.UpsertEpisode(ctx, upsert)
}

func (s *Store) GetEpisode(ctx context.Context, uid string) (*Episode, error) {
	return s.driver.GetEpisode(ctx, uid)
}

func (s *Store) UpsertEntityType(ctx context.Context, upsert *EntityType) error {
	return s.driver.UpsertEntityType(ctx, upsert)
}

func (s *Store) UpsertEdgeType(ctx context.Context, upsert *EdgeType) error {
	return s.driver.UpsertEdgeType(ctx, upsert)
}

func (s *Store) UpsertEdgeTypeMap(ctx context.Context, upsert *EdgeTypeMap) error {
	return s.driver.UpsertEdgeTypeMap(ctx, upsert)
}

func (s *Store) ListEntityTypes(ctx context.Context, find *FindGraphSchema) ([]*EntityType, error) {
	return s.driver.ListEntityTypes(ctx, find)
}

func (s *Store) ListEdgeTypes(ctx context.Context, find *FindGraphSchema) ([]*EdgeType, error) {
	return s.driver.ListEdgeTypes(ctx, find)
}

func (s *Store) ListEdgeTypeMaps(ctx context.Context, find *FindGraphSchema) ([]*EdgeTypeMap, error) {
	return s.driver.ListEdgeTypeMaps(ctx, find)
}
