// Package async implements the durable task pipeline: enqueue, per-group
// FIFO dispatch over a fixed worker pool, progress streaming, crash
// recovery, and retry with bounded attempts.
package async

import (
	"context"
	"errors"
)

// ErrStopped is returned by a progress report when the task was stopped
// while running. Handlers should abandon work and return promptly; any
// error returned after ErrStopped is discarded.
var ErrStopped = errors.New("task stopped")

// Progress lets a handler report completion percentage and a status line.
// Reports are throttled before they reach the database; the terminal
// report is always flushed.
type Progress interface {
	Report(ctx context.Context, percent int, message string) error
}

// Result is what a successful handler hands back.
type Result struct {
	// Payload is an opaque result document stored on the task row.
	Payload []byte
	// EntityID and EntityType link the task to the artifact it produced.
	EntityID   string
	EntityType string
	// Schema carries graph schema elements discovered during processing,
	// synced to storage best-effort after the task completes.
	Schema *SchemaAdditions
}

// EdgeMap is one allowed (source, edge, target) triple.
type EdgeMap struct {
	Source string
	Edge   string
	Target string
}

// SchemaAdditions lists graph schema elements a handler discovered.
type SchemaAdditions struct {
	ProjectID   string
	EntityTypes []string
	EdgeTypes   []string
	EdgeMaps    []EdgeMap
}

// SchemaSyncer persists discovered schema elements. Implementations must
// tolerate partial failure: a sync error never fails the task.
type SchemaSyncer interface {
	Sync(ctx context.Context, additions *SchemaAdditions) error
}

// ProcessFunc is the unit of work for one task kind. The context carries
// the handler timeout and the task id; payload is the opaque document the
// producer enqueued.
type ProcessFunc func(ctx context.Context, payload []byte, progress Progress) (*Result, error)

// permanentError wraps an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable: the task fails immediately
// regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type contextKey int

const taskIDKey contextKey = iota

// WithTaskID attaches a task id to the context. The worker does this for
// every handler invocation; tests use it to call handlers directly.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext returns the id of the task being processed. Handlers
// use it to derive deterministic identifiers for the artifacts they create.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}
