package async

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/engram/queue"
	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/storetest"
)

func newTestService(t *testing.T, workers int) *Service {
	t.Helper()
	svc := NewService(
		store.New(storetest.New(), nil),
		queue.NewMemoryQueue(),
		NewRegistry(),
		nil,
		nil,
		Config{
			WorkerCount:              workers,
			RecoveryInterval:         time.Hour,
			ProgressFlushMinInterval: time.Millisecond,
			DefaultHandlerTimeout:    5 * time.Second,
			DefaultMaxAttempts:       3,
		},
	)
	return svc
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Shutdown)
}

func waitForStatus(t *testing.T, svc *Service, id string, status store.TaskStatus) *store.Task {
	t.Helper()
	var task *store.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = svc.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return task
}

func TestEnqueueAndProcess(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "echo",
		Process: func(ctx context.Context, payload []byte, progress Progress) (*Result, error) {
			if err := progress.Report(ctx, 100, "done"); err != nil {
				return nil, err
			}
			return &Result{Payload: payload, EntityID: "e1", EntityType: "episode"}, nil
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo", Payload: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, task.Status)

	done := waitForStatus(t, svc, task.ID, store.TaskCompleted)
	require.Equal(t, 100, done.Progress)
	require.JSONEq(t, `{"x":1}`, string(done.Result))
	require.NotNil(t, done.EntityID)
	require.Equal(t, "e1", *done.EntityID)
	require.NotNil(t, done.CompletedAt)

	events, err := svc.ListTaskEvents(ctx, task.ID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Event)
	}
	require.Equal(t, []string{store.TaskEventEnqueued, store.TaskEventClaimed, store.TaskEventCompleted}, kinds)
}

func TestPerGroupTasksRunInOrder(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 4)

	var mu sync.Mutex
	seen := make(map[string][]string)
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "record",
		Process: func(_ context.Context, payload []byte, _ Progress) (*Result, error) {
			parts := string(payload)
			group, seq := parts[:1], parts[1:]
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			seen[group] = append(seen[group], seq)
			mu.Unlock()
			return &Result{}, nil
		},
	}))
	startService(t, svc)

	var ids []string
	for _, group := range []string{"a", "b"} {
		for i := 0; i < 4; i++ {
			task, err := svc.Enqueue(ctx, &EnqueueRequest{
				GroupID: group,
				Kind:    "record",
				Payload: []byte(group + strconv.Itoa(i)),
			})
			require.NoError(t, err)
			ids = append(ids, task.ID)
		}
	}
	for _, id := range ids {
		waitForStatus(t, svc, id, store.TaskCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"0", "1", "2", "3"}, seen["a"])
	require.Equal(t, []string{"0", "1", "2", "3"}, seen["b"])
}

func TestFailedAttemptsExhaustMaxAttempts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)

	var mu sync.Mutex
	claims := 0
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind:        "flaky",
		MaxAttempts: 2,
		Process: func(context.Context, []byte, Progress) (*Result, error) {
			mu.Lock()
			claims++
			mu.Unlock()
			return nil, errors.New("boom")
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "flaky"})
	require.NoError(t, err)

	failed := waitForStatus(t, svc, task.ID, store.TaskFailed)
	require.Equal(t, 2, failed.Attempts)
	require.NotNil(t, failed.Error)
	require.Contains(t, *failed.Error, "boom")

	mu.Lock()
	require.Equal(t, 2, claims)
	mu.Unlock()
}

func TestBusyGroupsShareWorkers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 2)

	starts := make(chan string, 8)
	release := make(chan struct{})
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "busy",
		Process: func(_ context.Context, payload []byte, _ Progress) (*Result, error) {
			starts <- string(payload)
			<-release
			return &Result{}, nil
		},
	}))
	startService(t, svc)

	var ids []string
	for i := 0; i < 3; i++ {
		for _, group := range []string{"a", "b"} {
			task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: group, Kind: "busy", Payload: []byte(group)})
			require.NoError(t, err)
			ids = append(ids, task.ID)
		}
	}

	// With two workers and two busy groups, both groups must be running
	// before either completes a single task.
	started := map[string]bool{}
	for len(started) < 2 {
		select {
		case g := <-starts:
			started[g] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("one busy group starved the other, only %v started", started)
		}
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, svc, id, store.TaskCompleted)
	}
}

func TestHandlerTimeoutRecordsTimeout(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind:        "hang",
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 1,
		Process: func(ctx context.Context, _ []byte, _ Progress) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "hang"})
	require.NoError(t, err)

	failed := waitForStatus(t, svc, task.ID, store.TaskFailed)
	require.NotNil(t, failed.Error)
	require.Equal(t, "timeout", *failed.Error)
}

func TestFailedAttemptResetsProgress(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 0)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", MaxAttempts: 3, Process: noopProcess}))

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo"})
	require.NoError(t, err)
	claimed, err := svc.queue.Claim(ctx, "g1", "w1")
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed)

	now := time.Now().UTC()
	progress := 40
	ok, err := svc.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID: task.ID, From: store.TaskPending, To: store.TaskProcessing,
		StartedAt: &now, Progress: &progress,
	})
	require.NoError(t, err)
	require.True(t, ok)

	running, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	svc.finalizeFailure(ctx, running, "w1", errors.New("boom"), 0)

	after, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, after.Status)
	require.Equal(t, 1, after.Attempts)
	require.Zero(t, after.Progress)
}

func TestEnqueueMaxAttemptsOverride(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 0)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", MaxAttempts: 3, Process: noopProcess}))

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo", MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, 1, task.MaxAttempts)

	task, err = svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g2", Kind: "echo"})
	require.NoError(t, err)
	require.Equal(t, 3, task.MaxAttempts)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "bad-payload",
		Process: func(context.Context, []byte, Progress) (*Result, error) {
			return nil, Permanent(errors.New("malformed payload"))
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "bad-payload"})
	require.NoError(t, err)

	failed := waitForStatus(t, svc, task.ID, store.TaskFailed)
	require.Equal(t, 1, failed.Attempts)
}

func TestStopPendingTaskNeverRuns(t *testing.T) {
	ctx := context.Background()
	// Producer-only mode: nothing dispatches, the task stays PENDING.
	svc := newTestService(t, 0)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo"})
	require.NoError(t, err)

	stopped, err := svc.Stop(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStopped, stopped.Status)
	require.NotNil(t, stopped.StoppedAt)

	_, err = svc.Stop(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskFinished)
}

func TestStopProcessingTaskIsCooperative(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)

	started := make(chan struct{})
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "slow",
		Process: func(ctx context.Context, _ []byte, progress Progress) (*Result, error) {
			close(started)
			for i := 1; i <= 100; i++ {
				if err := progress.Report(ctx, i, "working"); err != nil {
					return nil, err
				}
				time.Sleep(2 * time.Millisecond)
			}
			return &Result{}, nil
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "slow"})
	require.NoError(t, err)

	<-started
	waitForStatus(t, svc, task.ID, store.TaskProcessing)
	_, err = svc.Stop(ctx, task.ID)
	require.NoError(t, err)

	stopped := waitForStatus(t, svc, task.ID, store.TaskStopped)
	require.NotNil(t, stopped.StoppedAt)
}

func TestRetryClonesFailedTask(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)

	var mu sync.Mutex
	fail := true
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind:        "flaky",
		MaxAttempts: 1,
		Process: func(context.Context, []byte, Progress) (*Result, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("boom")
			}
			return &Result{}, nil
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "flaky", Payload: []byte("p")})
	require.NoError(t, err)
	waitForStatus(t, svc, task.ID, store.TaskFailed)

	// Retrying a non-failed task is rejected.
	_, err = svc.Retry(ctx, "no-such-task")
	require.ErrorIs(t, err, store.ErrTaskNotFound)

	mu.Lock()
	fail = false
	mu.Unlock()

	clone, err := svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	require.NotEqual(t, task.ID, clone.ID)
	require.Equal(t, task.GroupID, clone.GroupID)
	require.Equal(t, []byte("p"), clone.Payload)

	waitForStatus(t, svc, clone.ID, store.TaskCompleted)

	// The original failure record stays untouched.
	original, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, original.Status)

	_, err = svc.Retry(ctx, clone.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestEnqueueUnknownKind(t *testing.T) {
	svc := newTestService(t, 0)
	_, err := svc.Enqueue(context.Background(), &EnqueueRequest{GroupID: "g1", Kind: "nope"})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestEnqueueBacklogCap(t *testing.T) {
	ctx := context.Background()
	svc := NewService(
		store.New(storetest.New(), nil),
		queue.NewMemoryQueue(),
		NewRegistry(),
		nil,
		nil,
		Config{WorkerCount: 0, MaxGroupBacklog: 1, RecoveryInterval: time.Hour},
	)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	_, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo"})
	require.ErrorIs(t, err, ErrBacklogFull)

	// Other groups are unaffected.
	_, err = svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g2", Kind: "echo"})
	require.NoError(t, err)
}

func TestEnqueueDuplicateID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 0)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))

	_, err := svc.Enqueue(ctx, &EnqueueRequest{ID: "fixed", GroupID: "g1", Kind: "echo"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, &EnqueueRequest{ID: "fixed", GroupID: "g1", Kind: "echo"})
	require.ErrorIs(t, err, store.ErrDuplicateTask)
}

func TestStreamProgressTerminalSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "echo"})
	require.NoError(t, err)
	waitForStatus(t, svc, task.ID, store.TaskCompleted)

	events, cancel, err := svc.StreamProgress(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()

	event, open := <-events
	require.True(t, open)
	require.Equal(t, store.TaskCompleted, event.Status)

	_, open = <-events
	require.False(t, open)
}

func TestStreamProgressLiveUpdates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 1)

	release := make(chan struct{})
	require.NoError(t, svc.Registry().Register(&Descriptor{
		Kind: "gated",
		Process: func(ctx context.Context, _ []byte, progress Progress) (*Result, error) {
			<-release
			if err := progress.Report(ctx, 50, "half"); err != nil {
				return nil, err
			}
			return &Result{}, nil
		},
	}))
	startService(t, svc)

	task, err := svc.Enqueue(ctx, &EnqueueRequest{GroupID: "g1", Kind: "gated"})
	require.NoError(t, err)

	events, cancel, err := svc.StreamProgress(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()

	// First event is the snapshot of the current state.
	first := <-events
	require.Equal(t, task.ID, first.TaskID)

	close(release)

	var last Event
	for event := range events {
		last = event
	}
	require.Equal(t, store.TaskCompleted, last.Status)
	require.Equal(t, 100, last.Percent)
}

func TestRecoveryReloadsPendingTasks(t *testing.T) {
	ctx := context.Background()
	driver := storetest.New()
	s := store.New(driver, nil)

	// Rows left behind by a previous process: the queue is empty but the
	// PENDING rows must become dispatchable again.
	for _, id := range []string{"t1", "t2"} {
		_, err := s.CreateTask(ctx, &store.Task{
			ID: id, GroupID: "g1", Kind: "echo",
			Status: store.TaskPending, MaxAttempts: 3,
		})
		require.NoError(t, err)
	}

	svc := NewService(s, queue.NewMemoryQueue(), NewRegistry(), nil, nil, Config{
		WorkerCount:              1,
		RecoveryInterval:         time.Hour,
		ProgressFlushMinInterval: time.Millisecond,
		DefaultHandlerTimeout:    5 * time.Second,
		DefaultMaxAttempts:       3,
	})
	require.NoError(t, svc.Registry().Register(&Descriptor{Kind: "echo", Process: noopProcess}))
	startService(t, svc)

	waitForStatus(t, svc, "t1", store.TaskCompleted)
	waitForStatus(t, svc, "t2", store.TaskCompleted)
}
