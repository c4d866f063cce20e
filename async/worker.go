package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/engram/queue"
	"github.com/hrygo/engram/store"
)

// runWorker is the loop of one pool worker: acquire a ready group, claim
// its head task, run the handler, finalize, hand the group back. The
// scheduler guarantees no two workers hold the same group, which is what
// keeps each group's tasks strictly serial.
func (s *Service) runWorker(ctx context.Context) {
	workerID := "worker-" + shortuuid.New()
	slog.Debug("worker started", "worker", workerID)

	for {
		groupID, ok := s.scheduler.Acquire()
		if !ok {
			return
		}

		taskID, err := s.queue.Claim(ctx, groupID, workerID)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				slog.Error("failed to claim task", "worker", workerID, "group", groupID, "error", err)
			}
			s.scheduler.Release(groupID, false)
			continue
		}

		s.processTask(ctx, workerID, groupID, taskID)

		if ctx.Err() != nil {
			s.scheduler.Release(groupID, false)
			return
		}
		n, err := s.queue.Len(ctx, groupID)
		if err != nil {
			slog.Error("failed to read group backlog", "worker", workerID, "group", groupID, "error", err)
			n = 0
		}
		s.scheduler.Release(groupID, n > 0)
	}
}

// processTask drives one claimed task through a single attempt.
func (s *Service) processTask(ctx context.Context, workerID, groupID, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			// Row vanished underneath the queue entry. Drop the claim.
			_ = s.queue.Ack(ctx, taskID)
			return
		}
		slog.Error("failed to load claimed task", "worker", workerID, "task", taskID, "error", err)
		_ = s.queue.ReEnqueueStalled(ctx, groupID, taskID)
		return
	}

	now := time.Now().UTC()
	ok, err := s.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID:        taskID,
		From:      store.TaskPending,
		To:        store.TaskProcessing,
		StartedAt: &now,
		WorkerID:  &workerID,
	})
	if err != nil {
		slog.Error("failed to mark task processing", "worker", workerID, "task", taskID, "error", err)
		_ = s.queue.ReEnqueueStalled(ctx, groupID, taskID)
		return
	}
	if !ok {
		// Stopped or otherwise finalized before dispatch. The row already
		// tells the whole story; just drop the claim.
		_ = s.queue.Ack(ctx, taskID)
		return
	}

	s.recordEvent(ctx, taskID, store.TaskEventClaimed, &workerID, nil)
	if s.metrics != nil {
		s.metrics.WorkerStarted()
		defer s.metrics.WorkerFinished()
	}

	desc, err := s.registry.Lookup(task.Kind)
	if err != nil {
		s.finalizeFailure(ctx, task, workerID, Permanent(err), 0)
		return
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultHandlerTimeout
	}

	runCtx, cancel := context.WithTimeout(WithTaskID(ctx, taskID), timeout)
	defer cancel()
	reporter := newReporter(s.store, s.bus, taskID, s.config.ProgressFlushMinInterval)

	start := time.Now()
	result, procErr := desc.Process(runCtx, task.Payload, reporter)
	latency := time.Since(start)

	switch {
	case procErr == nil:
		s.finalizeSuccess(ctx, task, workerID, result, latency)
	case errors.Is(procErr, ErrStopped):
		s.finalizeStopped(ctx, task, latency)
	default:
		if errors.Is(procErr, context.DeadlineExceeded) {
			procErr = errors.New("timeout")
		}
		s.finalizeFailure(ctx, task, workerID, procErr, latency)
	}
}

func (s *Service) finalizeSuccess(ctx context.Context, task *store.Task, workerID string, result *Result, latency time.Duration) {
	if result == nil {
		result = &Result{}
	}

	now := time.Now().UTC()
	full := 100
	update := &store.UpdateTaskStatus{
		ID:          task.ID,
		From:        store.TaskProcessing,
		To:          store.TaskCompleted,
		CompletedAt: &now,
		Progress:    &full,
		Result:      result.Payload,
	}
	if result.EntityID != "" {
		update.EntityID = &result.EntityID
	}
	if result.EntityType != "" {
		update.EntityType = &result.EntityType
	}

	ok, err := s.store.UpdateTaskStatus(ctx, update)
	if err != nil {
		slog.Error("failed to complete task", "task", task.ID, "error", err)
		return
	}
	if !ok {
		// Stopped while the handler was wrapping up. The stop wins.
		s.finalizeStopped(ctx, task, latency)
		return
	}

	_ = s.queue.Ack(ctx, task.ID)
	s.recordEvent(ctx, task.ID, store.TaskEventCompleted, &workerID, nil)
	s.bus.Complete(Event{
		TaskID:    task.ID,
		Status:    store.TaskCompleted,
		Percent:   100,
		Timestamp: now,
	})
	if s.metrics != nil {
		s.metrics.RecordOutcome(task.Kind, "completed", latency)
	}
	slog.Info("task completed", "task", task.ID, "kind", task.Kind, "latency", latency)

	if result.Schema != nil && s.syncer != nil {
		if err := s.syncer.Sync(ctx, result.Schema); err != nil {
			slog.Warn("schema sync failed", "task", task.ID, "error", err)
		}
	}
}

func (s *Service) finalizeStopped(ctx context.Context, task *store.Task, latency time.Duration) {
	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		slog.Error("failed to re-read task after losing finalize race", "task", task.ID, "error", err)
		return
	}
	if current.Status != store.TaskStopped {
		// Lost the row to the sweeper, not a stop. The task is already
		// back in its queue and will run again; leave its streams open.
		slog.Debug("lost finalize race, task reclaimed", "task", task.ID, "status", current.Status)
		return
	}

	// Stop already moved the row to STOPPED and recorded the event.
	_ = s.queue.Ack(ctx, task.ID)
	s.bus.Complete(snapshotEvent(current))
	if s.metrics != nil {
		s.metrics.RecordOutcome(task.Kind, "stopped", latency)
	}
	slog.Info("task stopped", "task", task.ID, "kind", task.Kind)
}

// finalizeFailure settles one failed attempt. Every failed attempt counts
// against MaxAttempts; the task fails for good when attempts run out or
// the error is permanent, otherwise it goes back to the head of its
// group's queue.
func (s *Service) finalizeFailure(ctx context.Context, task *store.Task, workerID string, procErr error, latency time.Duration) {
	errText := procErr.Error()
	attempts := task.Attempts + 1
	exhausted := attempts >= task.MaxAttempts || IsPermanent(procErr)

	if exhausted {
		now := time.Now().UTC()
		ok, err := s.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
			ID:                task.ID,
			From:              store.TaskProcessing,
			To:                store.TaskFailed,
			CompletedAt:       &now,
			Error:             &errText,
			IncrementAttempts: true,
		})
		if err != nil {
			slog.Error("failed to mark task failed", "task", task.ID, "error", err)
			return
		}
		if !ok {
			s.finalizeStopped(ctx, task, latency)
			return
		}

		_ = s.queue.Ack(ctx, task.ID)
		s.recordEvent(ctx, task.ID, store.TaskEventFailed, &workerID, &errText)
		s.bus.Complete(Event{
			TaskID:    task.ID,
			Status:    store.TaskFailed,
			Percent:   task.Progress,
			Error:     errText,
			Timestamp: now,
		})
		if s.metrics != nil {
			s.metrics.RecordOutcome(task.Kind, "failed", latency)
		}
		slog.Warn("task failed", "task", task.ID, "kind", task.Kind, "attempts", attempts, "error", errText)
		return
	}

	zero := 0
	ok, err := s.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID:                task.ID,
		From:              store.TaskProcessing,
		To:                store.TaskPending,
		Error:             &errText,
		Progress:          &zero,
		IncrementAttempts: true,
		ClearWorkerID:     true,
		ClearStartedAt:    true,
	})
	if err != nil {
		slog.Error("failed to re-queue task", "task", task.ID, "error", err)
		return
	}
	if !ok {
		s.finalizeStopped(ctx, task, latency)
		return
	}

	// Back to the head of the line so the group's order holds.
	if err := s.queue.ReEnqueueStalled(ctx, task.GroupID, task.ID); err != nil {
		slog.Error("failed to re-enqueue task", "task", task.ID, "error", err)
	}
	s.scheduler.Notify(task.GroupID)

	s.recordEvent(ctx, task.ID, store.TaskEventRetried, &workerID, &errText)
	s.bus.Publish(Event{
		TaskID:    task.ID,
		Status:    store.TaskPending,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
	if s.metrics != nil {
		s.metrics.RecordOutcome(task.Kind, "retried", latency)
	}
	slog.Warn("task attempt failed, re-queued", "task", task.ID, "kind", task.Kind, "attempt", attempts, "max_attempts", task.MaxAttempts, "error", errText)
}
