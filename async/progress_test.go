package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/storetest"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe("t1")
	ch2, cancel2 := bus.Subscribe("t1")
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{TaskID: "t1", Percent: 10})

	require.Equal(t, 10, (<-ch1).Percent)
	require.Equal(t, 10, (<-ch2).Percent)
}

func TestBusCompleteClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	bus.Complete(Event{TaskID: "t1", Status: store.TaskCompleted, Percent: 100})

	event, open := <-ch
	require.True(t, open)
	require.Equal(t, store.TaskCompleted, event.Status)

	_, open = <-ch
	require.False(t, open)
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Event{TaskID: "t1", Percent: i})
	}
	require.Len(t, ch, subscriberBuffer)
}

func newProcessingTask(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateTask(ctx, &store.Task{
		ID: id, GroupID: "g", Kind: "k",
		Status: store.TaskPending, MaxAttempts: 3,
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	ok, err := s.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID: id, From: store.TaskPending, To: store.TaskProcessing, StartedAt: &now,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReporterThrottlesIntermediateReports(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	newProcessingTask(t, s, "t1")

	r := newReporter(s, NewBus(), "t1", time.Hour)

	require.NoError(t, r.Report(ctx, 10, "first"))
	require.NoError(t, r.Report(ctx, 20, "suppressed"))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 10, task.Progress)

	// The terminal report bypasses the throttle.
	require.NoError(t, r.Report(ctx, 100, "done"))
	task, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 100, task.Progress)
}

func TestReporterClampsBackwardProgress(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	newProcessingTask(t, s, "t1")

	r := newReporter(s, NewBus(), "t1", time.Nanosecond)
	require.NoError(t, r.Report(ctx, 50, ""))
	time.Sleep(time.Millisecond)
	require.NoError(t, r.Report(ctx, 30, ""))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 50, task.Progress)
}

func TestReporterDetectsStop(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	newProcessingTask(t, s, "t1")

	now := time.Now().UTC()
	ok, err := s.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID: "t1", From: store.TaskProcessing, To: store.TaskStopped, StoppedAt: &now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	r := newReporter(s, NewBus(), "t1", time.Nanosecond)
	time.Sleep(time.Millisecond)
	err = r.Report(ctx, 40, "")
	require.ErrorIs(t, err, ErrStopped)
}
