// Package storetest provides an in-memory store.Driver for package tests
// that exercise the task pipeline without a real database.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/engram/store"
)

// Driver is an in-memory implementation of store.Driver. All methods are
// safe for concurrent use.
type Driver struct {
	mu          sync.Mutex
	tasks       map[string]*store.Task
	events      []*store.TaskEvent
	episodes    map[string]*store.Episode
	entityTypes map[string]*store.EntityType
	edgeTypes   map[string]*store.EdgeType
	edgeMaps    map[string]*store.EdgeTypeMap
	nextID      int64
}

// New creates an empty in-memory driver.
func New() *Driver {
	return &Driver{
		tasks:       make(map[string]*store.Task),
		episodes:    make(map[string]*store.Episode),
		entityTypes: make(map[string]*store.EntityType),
		edgeTypes:   make(map[string]*store.EdgeType),
		edgeMaps:    make(map[string]*store.EdgeTypeMap),
	}
}

func (d *Driver) GetDB() *sql.DB               { return nil }
func (d *Driver) Close() error                 { return nil }
func (d *Driver) Migrate(context.Context) error { return nil }

func copyTask(t *store.Task) *store.Task {
	c := *t
	return &c
}

func (d *Driver) CreateTask(_ context.Context, create *store.Task) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[create.ID]; ok {
		return nil, store.ErrDuplicateTask
	}
	create.CreatedAt = time.Now().UTC()
	d.tasks[create.ID] = copyTask(create)
	return copyTask(create), nil
}

func (d *Driver) UpdateTaskStatus(_ context.Context, update *store.UpdateTaskStatus) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[update.ID]
	if !ok || task.Status != update.From {
		return false, nil
	}

	task.Status = update.To
	if update.StartedAt != nil {
		task.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		task.CompletedAt = update.CompletedAt
	}
	if update.StoppedAt != nil {
		task.StoppedAt = update.StoppedAt
	}
	if update.WorkerID != nil {
		task.WorkerID = update.WorkerID
	}
	if update.Progress != nil {
		task.Progress = *update.Progress
	}
	if update.Message != nil {
		task.Message = update.Message
	}
	if update.Result != nil {
		task.Result = update.Result
	}
	if update.Error != nil {
		task.Error = update.Error
	}
	if update.EntityID != nil {
		task.EntityID = update.EntityID
	}
	if update.EntityType != nil {
		task.EntityType = update.EntityType
	}
	if update.ClearWorkerID {
		task.WorkerID = nil
	}
	if update.ClearStartedAt {
		task.StartedAt = nil
	}
	if update.IncrementAttempts {
		task.Attempts++
	}
	return true, nil
}

func (d *Driver) GetTask(_ context.Context, id string) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(task), nil
}

func (d *Driver) ListTasks(_ context.Context, find *store.FindTask) ([]*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var tasks []*store.Task
	for _, task := range d.tasks {
		if find.ID != nil && task.ID != *find.ID {
			continue
		}
		if find.GroupID != nil && task.GroupID != *find.GroupID {
			continue
		}
		if find.Kind != nil && task.Kind != *find.Kind {
			continue
		}
		if find.Status != nil && task.Status != *find.Status {
			continue
		}
		if find.EntityID != nil && (task.EntityID == nil || *task.EntityID != *find.EntityID) {
			continue
		}
		tasks = append(tasks, copyTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
	if find.Offset != nil {
		if *find.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[*find.Offset:]
	}
	if find.Limit != nil && *find.Limit < len(tasks) {
		tasks = tasks[:*find.Limit]
	}
	return tasks, nil
}

func (d *Driver) CreateTaskEvent(_ context.Context, create *store.TaskEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	create.ID = d.nextID
	create.CreatedAt = time.Now().UTC()
	copied := *create
	d.events = append(d.events, &copied)
	return nil
}

func (d *Driver) ListTaskEvents(_ context.Context, taskID string) ([]*store.TaskEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var events []*store.TaskEvent
	for _, event := range d.events {
		if event.TaskID == taskID {
			copied := *event
			events = append(events, &copied)
		}
	}
	return events, nil
}

func (d *Driver) UpsertEpisode(_ context.Context, upsert *store.Episode) (*store.Episode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.episodes[upsert.UID]; ok {
		upsert.ID = existing.ID
		upsert.CreatedAt = existing.CreatedAt
	} else {
		d.nextID++
		upsert.ID = d.nextID
		upsert.CreatedAt = time.Now().UTC()
	}
	copied := *upsert
	d.episodes[upsert.UID] = &copied
	return upsert, nil
}

func (d *Driver) GetEpisode(_ context.Context, uid string) (*store.Episode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	episode, ok := d.episodes[uid]
	if !ok {
		return nil, nil
	}
	copied := *episode
	return &copied, nil
}

func (d *Driver) UpsertEntityType(_ context.Context, upsert *store.EntityType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := upsert.ProjectID + "/" + upsert.Name
	if _, ok := d.entityTypes[key]; ok {
		return nil
	}
	d.nextID++
	upsert.ID = d.nextID
	upsert.CreatedAt = time.Now().UTC()
	copied := *upsert
	d.entityTypes[key] = &copied
	return nil
}

func (d *Driver) UpsertEdgeType(_ context.Context, upsert *store.EdgeType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := upsert.ProjectID + "/" + upsert.Name
	if _, ok := d.edgeTypes[key]; ok {
		return nil
	}
	d.nextID++
	upsert.ID = d.nextID
	upsert.CreatedAt = time.Now().UTC()
	copied := *upsert
	d.edgeTypes[key] = &copied
	return nil
}

func (d *Driver) UpsertEdgeTypeMap(_ context.Context, upsert *store.EdgeTypeMap) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := upsert.ProjectID + "/" + upsert.SourceType + "/" + upsert.EdgeType + "/" + upsert.TargetType
	if _, ok := d.edgeMaps[key]; ok {
		return nil
	}
	d.nextID++
	upsert.ID = d.nextID
	upsert.CreatedAt = time.Now().UTC()
	copied := *upsert
	d.edgeMaps[key] = &copied
	return nil
}

func (d *Driver) ListEntityTypes(_ context.Context, find *store.FindGraphSchema) ([]*store.EntityType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.EntityType
	for _, et := range d.entityTypes {
		if find.ProjectID != nil && et.ProjectID != *find.ProjectID {
			continue
		}
		if find.Status != nil && et.Status != *find.Status {
			continue
		}
		copied := *et
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (d *Driver) ListEdgeTypes(_ context.Context, find *store.FindGraphSchema) ([]*store.EdgeType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.EdgeType
	for _, et := range d.edgeTypes {
		if find.ProjectID != nil && et.ProjectID != *find.ProjectID {
			continue
		}
		if find.Status != nil && et.Status != *find.Status {
			continue
		}
		copied := *et
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (d *Driver) ListEdgeTypeMaps(_ context.Context, find *store.FindGraphSchema) ([]*store.EdgeTypeMap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.EdgeTypeMap
	for _, m := range d.edgeMaps {
		if find.ProjectID != nil && m.ProjectID != *find.ProjectID {
			continue
		}
		copied := *m
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
