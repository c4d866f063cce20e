// Package queue provides the ordering substrate for async tasks: one FIFO of
// pending task ids per group, plus a shared in-flight set of claimed ids.
// A task id lives in exactly one of the two places until it is acked.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Claim when the group's pending list is empty.
var ErrEmpty = errors.New("queue is empty")

// Claim describes one in-flight task.
type Claim struct {
	TaskID    string    `json:"task_id"`
	GroupID   string    `json:"group_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Queue is the durable queue port.
type Queue interface {
	// Enqueue appends the task id to the group's pending list.
	Enqueue(ctx context.Context, groupID, taskID string) error
	// Claim atomically moves one id from the head of the group's pending
	// list into the in-flight set, tagged with workerID. Returns ErrEmpty
	// when there is nothing to claim.
	Claim(ctx context.Context, groupID, workerID string) (string, error)
	// Ack removes the task id from the in-flight set. No-op if absent.
	Ack(ctx context.Context, taskID string) error
	// ReEnqueueStalled removes the task id from the in-flight set and
	// prepends it to the group's pending list, preserving its logical
	// position ahead of later-enqueued siblings.
	ReEnqueueStalled(ctx context.Context, groupID, taskID string) error
	// Len returns the number of pending ids for the group.
	Len(ctx context.Context, groupID string) (int, error)
	// InFlight returns the current claims, for diagnostics.
	InFlight(ctx context.Context) ([]*Claim, error)
	// Durable reports whether queue state survives process restart. A
	// non-durable queue is rebuilt from PENDING task rows on cold start.
	Durable() bool
}
