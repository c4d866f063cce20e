package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/engram/store"
)

// runSweeper periodically reclaims tasks whose worker disappeared: any
// PROCESSING row older than its handler timeout plus a grace period. A
// reclaimed task goes back to the head of its group's queue, or fails
// for good when its attempts ran out.
func (s *Service) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	stalled, err := s.store.FindStalledTasks(ctx, time.Now().UTC(), func(kind string) time.Duration {
		return s.timeoutFor(kind) + s.config.RecoveryGrace
	})
	if err != nil {
		slog.Error("failed to scan for stalled tasks", "error", err)
		return
	}

	for _, task := range stalled {
		s.reclaimStalled(ctx, task)
	}
}

func (s *Service) reclaimStalled(ctx context.Context, task *store.Task) {
	errText := "worker lost: processing exceeded handler timeout"
	attempts := task.Attempts + 1

	if attempts >= task.MaxAttempts {
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
			slog.Error("failed to fail stalled task", "task", task.ID, "error", err)
			return
		}
		if !ok {
			return
		}

		_ = s.queue.Ack(ctx, task.ID)
		s.recordEvent(ctx, task.ID, store.TaskEventFailed, task.WorkerID, &errText)
		s.bus.Complete(Event{
			TaskID:    task.ID,
			Status:    store.TaskFailed,
			Percent:   task.Progress,
			Error:     errText,
			Timestamp: now,
		})
		if s.metrics != nil {
			s.metrics.RecordOutcome(task.Kind, "failed", 0)
		}
		slog.Warn("stalled task failed for good", "task", task.ID, "kind", task.Kind, "attempts", attempts)
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
		slog.Error("failed to reclaim stalled task", "task", task.ID, "error", err)
		return
	}
	if !ok {
		// The worker finished or a stop landed first; nothing to reclaim.
		return
	}

	if err := s.queue.ReEnqueueStalled(ctx, task.GroupID, task.ID); err != nil {
		slog.Error("failed to re-enqueue stalled task", "task", task.ID, "error", err)
		return
	}
	s.scheduler.Notify(task.GroupID)

	s.recordEvent(ctx, task.ID, store.TaskEventStalled, task.WorkerID, &errText)
	if s.metrics != nil {
		s.metrics.RecordRecovered(task.Kind)
	}
	slog.Warn("stalled task reclaimed", "task", task.ID, "kind", task.Kind, "attempt", attempts)
}
