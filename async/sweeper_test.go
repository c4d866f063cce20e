package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/engram/queue"
	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/storetest"
)

// seedStalledTask plants a PROCESSING row whose worker is long gone, with
// its claim still sitting in the queue.
func seedStalledTask(t *testing.T, s *store.Store, q queue.Queue, id string, attempts, maxAttempts int) {
	t.Helper()
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &store.Task{
		ID: id, GroupID: "g1", Kind: "echo",
		Status: store.TaskPending, Attempts: attempts, MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "g1", id))
	claimed, err := q.Claim(ctx, "g1", "dead-worker")
	require.NoError(t, err)
	require.Equal(t, id, claimed)

	staleStart := time.Now().UTC().Add(-time.Hour)
	worker := "dead-worker"
	progress := 60
	ok, err := s.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID: id, From: store.TaskPending, To: store.TaskProcessing,
		StartedAt: &staleStart, WorkerID: &worker, Progress: &progress,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweeperReclaimsStalledTask(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	q := queue.NewMemoryQueue()
	svc := NewService(s, q, NewRegistry(), nil, nil, Config{
		RecoveryInterval:      time.Hour,
		RecoveryGrace:         time.Second,
		DefaultHandlerTimeout: time.Second,
		DefaultMaxAttempts:    3,
	})
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	seedStalledTask(t, s, q, "t1", 0, 3)
	svc.sweepOnce(ctx)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Zero(t, task.Progress)
	require.Nil(t, task.WorkerID)
	require.Nil(t, task.StartedAt)

	// Back at the head of its group's queue, no longer in flight.
	n, err := q.Len(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	claims, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.Empty(t, claims)

	events, err := s.ListTaskEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.TaskEventStalled, events[0].Event)
}

func TestSweeperFailsTaskOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	q := queue.NewMemoryQueue()
	svc := NewService(s, q, NewRegistry(), nil, nil, Config{
		RecoveryInterval:      time.Hour,
		RecoveryGrace:         time.Second,
		DefaultHandlerTimeout: time.Second,
		DefaultMaxAttempts:    2,
	})
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	seedStalledTask(t, s, q, "t1", 1, 2)
	svc.sweepOnce(ctx)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)
	require.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.Error)

	n, err := q.Len(ctx, "g1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkerLosingFinalizeToSweeperKeepsStreamOpen(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	q := queue.NewMemoryQueue()
	svc := NewService(s, q, NewRegistry(), nil, nil, Config{
		RecoveryInterval:      time.Hour,
		RecoveryGrace:         time.Second,
		DefaultHandlerTimeout: time.Second,
		DefaultMaxAttempts:    3,
	})
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	seedStalledTask(t, s, q, "t1", 0, 3)
	stale, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)

	sub, cancel := svc.bus.Subscribe("t1")
	defer cancel()

	// The sweeper wins the race and reclaims the row to PENDING.
	svc.sweepOnce(ctx)

	// The lost worker's handler returns afterwards. Its finalize loses the
	// CAS, must notice the row is not STOPPED, and leave the reclaimed
	// task's queue entry and subscriber streams alone.
	svc.finalizeSuccess(ctx, stale, "dead-worker", &Result{}, 0)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)

	n, err := q.Len(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case _, open := <-sub:
		require.True(t, open, "subscriber stream closed by a non-terminal transition")
	default:
	}
}

func TestSweeperIgnoresHealthyProcessing(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	q := queue.NewMemoryQueue()
	svc := NewService(s, q, NewRegistry(), nil, nil, Config{
		RecoveryInterval:      time.Hour,
		RecoveryGrace:         30 * time.Second,
		DefaultHandlerTimeout: time.Minute,
		DefaultMaxAttempts:    3,
	})
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	_, err := s.CreateTask(ctx, &store.Task{
		ID: "t1", GroupID: "g1", Kind: "echo",
		Status: store.TaskPending, MaxAttempts: 3,
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err := s.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID: "t1", From: store.TaskPending, To: store.TaskProcessing, StartedAt: &now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	svc.sweepOnce(ctx)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskProcessing, task.Status)
	require.Zero(t, task.Attempts)
}
