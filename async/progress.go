package async

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/engram/store"
)

// Event is one progress update on a task's stream.
type Event struct {
	TaskID    string           `json:"task_id"`
	Status    store.TaskStatus `json:"status"`
	Percent   int              `json:"percent"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

const subscriberBuffer = 16

// Bus fans progress events out to per-task subscribers. Slow subscribers
// drop events rather than block the worker; the terminal event closes the
// stream.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a channel for the task's events. The returned cancel
// func must be called when the subscriber is done; it is safe to call after
// the stream closed.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[taskID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[taskID]; ok {
				if _, present := set[ch]; present {
					delete(set, ch)
					close(ch)
					if len(set) == 0 {
						delete(b.subs, taskID)
					}
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to current subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.TaskID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Complete publishes the terminal event and closes every subscriber
// channel for the task.
func (b *Bus) Complete(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[event.TaskID]
	for ch := range set {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
	delete(b.subs, event.TaskID)
}

// reporter implements Progress for one running task. Persisted updates are
// throttled with a rate limiter; a 100 percent report always flushes. Each
// flush is also the stop checkpoint: when the status row left PROCESSING
// underneath us, the handler gets ErrStopped.
type reporter struct {
	store   *store.Store
	bus     *Bus
	taskID  string
	limiter *rate.Limiter

	mu      sync.Mutex
	percent int
}

func newReporter(s *store.Store, bus *Bus, taskID string, minInterval time.Duration) *reporter {
	return &reporter{
		store:   s,
		bus:     bus,
		taskID:  taskID,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (r *reporter) Report(ctx context.Context, percent int, message string) error {
	r.mu.Lock()
	// Progress never moves backwards.
	if percent < r.percent {
		percent = r.percent
	}
	if percent > 100 {
		percent = 100
	}
	r.percent = percent
	r.mu.Unlock()

	if percent < 100 && !r.limiter.Allow() {
		return nil
	}
	return r.flush(ctx, percent, message)
}

func (r *reporter) flush(ctx context.Context, percent int, message string) error {
	ok, err := r.store.UpdateTaskStatus(ctx, &store.UpdateTaskStatus{
		ID:       r.taskID,
		From:     store.TaskProcessing,
		To:       store.TaskProcessing,
		Progress: &percent,
		Message:  &message,
	})
	if err != nil {
		return errors.Wrap(err, "failed to persist progress")
	}
	if !ok {
		task, err := r.store.GetTask(ctx, r.taskID)
		if err != nil {
			return errors.Wrap(err, "failed to re-read task after progress conflict")
		}
		if task.Status == store.TaskStopped {
			return ErrStopped
		}
		return errors.Errorf("task %s is no longer processing (status %s)", r.taskID, task.Status)
	}

	r.bus.Publish(Event{
		TaskID:    r.taskID,
		Status:    store.TaskProcessing,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return nil
}
