package store

import "time"

// TaskStatus is the lifecycle state of an async task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskStopped    TaskStatus = "STOPPED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskStopped
}

// Task is the persistent lifecycle record of one async task.
// The row is the source of truth for status; queue state is only the
// ordering substrate.
type Task struct {
	ID          string
	GroupID     string
	Kind        string
	Payload     []byte
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	StoppedAt   *time.Time
	WorkerID    *string
	Progress    int
	Message     *string
	Result      []byte
	Error       *string
	EntityID    *string
	EntityType  *string
}

// FindTask specifies the conditions for listing tasks.
type FindTask struct {
	ID       *string
	GroupID  *string
	Kind     *string
	Status   *TaskStatus
	EntityID *string
	Limit    *int
	Offset   *int
}

// UpdateTaskStatus is a compare-and-swap update of a task row.
// The update applies only if the current status equals From; every field
// other than ID/From/To is optional.
type UpdateTaskStatus struct {
	ID   string
	From TaskStatus
	To   TaskStatus

	StartedAt   *time.Time
	CompletedAt *time.Time
	StoppedAt   *time.Time
	WorkerID    *string
	Progress    *int
	Message     *string
	Result      []byte
	Error       *string
	EntityID    *string
	EntityType  *string

	ClearWorkerID     bool
	ClearStartedAt    bool
	IncrementAttempts bool
}

// Task event kinds recorded in the task history.
const (
	TaskEventEnqueued  = "enqueued"
	TaskEventClaimed   = "claimed"
	TaskEventCompleted = "completed"
	TaskEventFailed    = "failed"
	TaskEventRetried   = "retried"
	TaskEventStalled   = "stalled"
	TaskEventStopped   = "stopped"
)

// TaskEvent is one entry in a task's transition history.
type TaskEvent struct {
	ID        int64
	TaskID    string
	Event     string
	WorkerID  *string
	Detail    *string
	CreatedAt time.Time
}
