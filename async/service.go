package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/engram/internal/profile"
	"github.com/hrygo/engram/queue"
	"github.com/hrygo/engram/store"
)

// ErrBacklogFull is returned by Enqueue when the group's pending backlog
// exceeds the configured soft cap.
var ErrBacklogFull = errors.New("group backlog full")

// ErrTaskFinished is returned by Stop when the task already reached a
// terminal status.
var ErrTaskFinished = errors.New("task already finished")

// ErrNotRetryable is returned by Retry when the task is not FAILED.
var ErrNotRetryable = errors.New("only failed tasks can be retried")

// Config tunes the task pipeline.
type Config struct {
	// WorkerCount is the size of the worker pool. Zero runs the service
	// in producer-only mode: tasks are accepted and persisted but never
	// dispatched by this process.
	WorkerCount int
	// RecoveryInterval is the sweeper cadence.
	RecoveryInterval time.Duration
	// RecoveryGrace is added on top of the per-kind handler timeout
	// before a PROCESSING task counts as stalled.
	RecoveryGrace time.Duration
	// ProgressFlushMinInterval throttles persisted progress updates.
	ProgressFlushMinInterval time.Duration
	// DefaultHandlerTimeout applies to kinds that do not set their own.
	DefaultHandlerTimeout time.Duration
	// DefaultMaxAttempts applies to kinds that do not set their own.
	DefaultMaxAttempts int
	// MaxGroupBacklog caps pending tasks per group. Zero means unlimited.
	MaxGroupBacklog int
}

// ConfigFromProfile derives the pipeline config from the server profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		WorkerCount:              p.WorkerCount,
		RecoveryInterval:         time.Duration(p.RecoveryInterval) * time.Second,
		RecoveryGrace:            30 * time.Second,
		ProgressFlushMinInterval: time.Duration(p.ProgressFlushMinInterval) * time.Millisecond,
		DefaultHandlerTimeout:    time.Duration(p.DefaultHandlerTimeout) * time.Second,
		DefaultMaxAttempts:       p.DefaultMaxAttempts,
		MaxGroupBacklog:          p.MaxGroupBacklog,
	}
}

func (c *Config) normalize() {
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = 30 * time.Second
	}
	if c.ProgressFlushMinInterval <= 0 {
		c.ProgressFlushMinInterval = time.Second
	}
	if c.DefaultHandlerTimeout <= 0 {
		c.DefaultHandlerTimeout = 60 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
}

// Service owns the task pipeline: it accepts tasks, dispatches them over
// the worker pool with per-group FIFO, streams progress, and recovers
// work lost to crashed workers.
type Service struct {
	store     *store.Store
	queue     queue.Queue
	registry  *Registry
	bus       *Bus
	metrics   *Metrics
	scheduler *groupScheduler
	config    Config
	syncer    SchemaSyncer

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewService wires the pipeline. syncer may be nil when no graph schema
// storage is configured.
func NewService(s *store.Store, q queue.Queue, registry *Registry, metrics *Metrics, syncer SchemaSyncer, config Config) *Service {
	config.normalize()
	return &Service{
		store:     s,
		queue:     q,
		registry:  registry,
		bus:       NewBus(),
		metrics:   metrics,
		scheduler: newGroupScheduler(),
		config:    config,
		syncer:    syncer,
	}
}

// Registry exposes the handler registry, for startup registration.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Bus exposes the progress bus.
func (s *Service) Bus() *Bus {
	return s.bus
}

// EnqueueRequest describes a task to enqueue. An empty ID gets a random
// uuid; supplying an ID makes the enqueue idempotent, duplicate ids are
// rejected with store.ErrDuplicateTask.
type EnqueueRequest struct {
	ID      string
	GroupID string
	Kind    string
	Payload []byte
	// MaxAttempts overrides the kind's attempt budget for this task.
	// Zero keeps the descriptor's value.
	MaxAttempts int
}

// Enqueue validates, persists, and queues a task. The task becomes
// eligible for dispatch before Enqueue returns.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (*store.Task, error) {
	if req.GroupID == "" {
		return nil, errors.New("group id must not be empty")
	}
	desc, err := s.registry.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}

	if s.config.MaxGroupBacklog > 0 {
		n, err := s.queue.Len(ctx, req.GroupID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check group backlog")
		}
		if n >= s.config.MaxGroupBacklog {
			return nil, errors.Wrapf(ErrBacklogFull, "group %s has %d pending tasks", req.GroupID, n)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = desc.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = s.config.DefaultMaxAttempts
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	task, err := s.store.CreateTask(ctx, &store.Task{
		ID:          id,
		GroupID:     req.GroupID,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Status:      store.TaskPending,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, task.GroupID, task.ID); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue task")
	}
	s.scheduler.Notify(task.GroupID)

	s.recordEvent(ctx, task.ID, store.TaskEventEnqueued, nil, nil)
	if s.metrics != nil {
		s.metrics.RecordEnqueued(task.Kind)
	}
	slog.Info("task enqueued", "task", task.ID, "group", task.GroupID, "kind", task.Kind)
	return task, nil
}

// GetTask returns the task row, or store.ErrTaskNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks lists task rows matching find, newest first.
func (s *Service) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, find)
}

// ListTaskEvents returns the task's transition history, oldest first.
func (s *Service) ListTaskEvents(ctx context.Context, taskID string) ([]*store.TaskEvent, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskEvents(ctx, taskID)
}

// Stop requests cancellation of a task. A PENDING task stops immediately
// and never runs; a PROCESSING task stops cooperatively at its next
// progress report. Terminal tasks return ErrTaskFinished.
func (s *Service) Stop(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errors.Wrapf(ErrTaskFinished, "task %s is %s", id, task.Status)
	}

	now := time.Now().UTC()
	ok, err := s.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID:        id,
		From:      store.TaskPending,
		To:        store.TaskStopped,
		StoppedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		// Never dispatched. The queue entry stays; the claim CAS fails on
		// the STOPPED row and the worker drops it.
		s.recordEvent(ctx, id, store.TaskEventStopped, nil, nil)
		s.bus.Complete(Event{
			TaskID:    id,
			Status:    store.TaskStopped,
			Percent:   task.Progress,
			Timestamp: now,
		})
		if s.metrics != nil {
			s.metrics.RecordOutcome(task.Kind, "stopped", 0)
		}
		return s.store.GetTask(ctx, id)
	}

	ok, err = s.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID:        id,
		From:      store.TaskProcessing,
		To:        store.TaskStopped,
		StoppedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		// The running handler observes the stop at its next progress
		// flush; the worker finishes the bookkeeping.
		s.recordEvent(ctx, id, store.TaskEventStopped, nil, nil)
		return s.store.GetTask(ctx, id)
	}

	task, err = s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errors.Wrapf(ErrTaskFinished, "task %s is %s", id, task.Status)
	}
	return nil, errors.Errorf("failed to stop task %s in status %s", id, task.Status)
}

// Retry clones a FAILED task into a fresh PENDING task with a new id at
// the back of its group's queue. The failed row stays untouched as the
// record of the failure.
func (s *Service) Retry(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskFailed {
		return nil, errors.Wrapf(ErrNotRetryable, "task %s is %s", id, task.Status)
	}

	clone, err := s.Enqueue(ctx, &EnqueueRequest{
		GroupID:     task.GroupID,
		Kind:        task.Kind,
		Payload:     task.Payload,
		MaxAttempts: task.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	detail := "retried as " + clone.ID
	s.recordEvent(ctx, id, store.TaskEventRetried, nil, &detail)
	return clone, nil
}

// StreamProgress subscribes to a task's progress events. The first event
// is a snapshot of the current state; for a terminal task the snapshot is
// the only event and the stream closes immediately. The returned cancel
// func releases the subscription.
func (s *Service) StreamProgress(ctx context.Context, id string) (<-chan Event, func(), error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer+1)
	out <- snapshotEvent(task)

	if task.Status.IsTerminal() {
		close(out)
		return out, func() {}, nil
	}

	sub, cancel := s.bus.Subscribe(id)

	// Re-read after subscribing so a terminal transition in the gap is
	// not silently missed.
	task, err = s.store.GetTask(ctx, id)
	if err != nil {
		cancel()
		close(out)
		return nil, nil, err
	}
	if task.Status.IsTerminal() {
		cancel()
		out <- snapshotEvent(task)
		close(out)
		return out, func() {}, nil
	}

	go func() {
		defer close(out)
		for event := range sub {
			select {
			case out <- event:
			default:
			}
		}
	}()
	return out, cancel, nil
}

func snapshotEvent(task *store.Task) Event {
	event := Event{
		TaskID:    task.ID,
		Status:    task.Status,
		Percent:   task.Progress,
		Timestamp: time.Now().UTC(),
	}
	if task.Message != nil {
		event.Message = *task.Message
	}
	if task.Error != nil {
		event.Error = *task.Error
	}
	return event
}

// Start recovers queue state and launches the worker pool and the
// recovery sweeper. It returns immediately; Shutdown stops everything.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recoverQueueState(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < s.config.WorkerCount; i++ {
		s.group.Go(func() error {
			s.runWorker(runCtx)
			return nil
		})
	}
	s.group.Go(func() error {
		s.runSweeper(runCtx)
		return nil
	})

	slog.Info("async service started",
		"workers", s.config.WorkerCount,
		"recovery_interval", s.config.RecoveryInterval,
		"durable_queue", s.queue.Durable())
	return nil
}

// recoverQueueState rebuilds dispatch state after a restart. A durable
// queue already holds the pending ids, so only the scheduler needs
// waking; a non-durable queue is reloaded from PENDING rows in creation
// order. PROCESSING rows left by a dead process are the sweeper's job.
func (s *Service) recoverQueueState(ctx context.Context) error {
	status := store.TaskPending
	tasks, err := s.store.ListTasks(ctx, &store.FindTask{Status: &status})
	if err != nil {
		return errors.Wrap(err, "failed to list pending tasks for recovery")
	}

	// ListTasks returns newest first; replay oldest first.
	groups := make(map[string]bool)
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		if !s.queue.Durable() {
			if err := s.queue.Enqueue(ctx, task.GroupID, task.ID); err != nil {
				return errors.Wrapf(err, "failed to re-enqueue task %s", task.ID)
			}
		}
		groups[task.GroupID] = true
	}
	for groupID := range groups {
		s.scheduler.Notify(groupID)
	}
	if len(tasks) > 0 {
		slog.Info("recovered pending tasks", "count", len(tasks), "groups", len(groups))
	}
	return nil
}

// Shutdown stops the worker pool and waits for in-flight handlers.
func (s *Service) Shutdown() {
	s.scheduler.Close()
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	slog.Info("async service stopped")
}

func (s *Service) recordEvent(ctx context.Context, taskID, event string, workerID, detail *string) {
	err := s.store.CreateTaskEvent(ctx, &store.TaskEvent{
		TaskID:   taskID,
		Event:    event,
		WorkerID: workerID,
		Detail:   detail,
	})
	if err != nil {
		slog.Warn("failed to record task event", "task", taskID, "event", event, "error", err)
	}
}

func (s *Service) timeoutFor(kind string) time.Duration {
	if desc, err := s.registry.Lookup(kind); err == nil && desc.Timeout > 0 {
		return desc.Timeout
	}
	return s.config.DefaultHandlerTimeout
}
