package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for single-node deployments and tests.
// State does not survive restart; the service rebuilds it from PENDING rows.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[string][]string
	inflight map[string]*Claim
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[string][]string),
		inflight: make(map[string]*Claim),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, groupID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[groupID] = append(q.pending[groupID], taskID)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, groupID, workerID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.pending[groupID]
	if len(ids) == 0 {
		return "", ErrEmpty
	}
	taskID := ids[0]
	rest := ids[1:]
	if len(rest) == 0 {
		delete(q.pending, groupID)
	} else {
		q.pending[groupID] = rest
	}
	q.inflight[taskID] = &Claim{
		TaskID:    taskID,
		GroupID:   groupID,
		WorkerID:  workerID,
		ClaimedAt: time.Now().UTC(),
	}
	return taskID, nil
}

func (q *MemoryQueue) Ack(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, taskID)
	return nil
}

func (q *MemoryQueue) ReEnqueueStalled(_ context.Context, groupID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, taskID)
	q.pending[groupID] = append([]string{taskID}, q.pending[groupID]...)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, groupID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[groupID]), nil
}

func (q *MemoryQueue) InFlight(_ context.Context) ([]*Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	claims := make([]*Claim, 0, len(q.inflight))
	for _, c := range q.inflight {
		copied := *c
		claims = append(claims, &copied)
	}
	return claims, nil
}

func (q *MemoryQueue) Durable() bool {
	return false
}
