package async

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownKind is returned when no handler is registered for a task kind.
var ErrUnknownKind = errors.New("unknown task kind")

// Descriptor binds a task kind to its handler and execution policy.
type Descriptor struct {
	// Kind is the registered task kind, e.g. "process_episode".
	Kind string
	// Timeout bounds one processing attempt. Zero means the service default.
	Timeout time.Duration
	// MaxAttempts caps how often the task may be claimed before it fails
	// for good. Zero means the service default.
	MaxAttempts int
	// Process does the work.
	Process ProcessFunc
}

// Registry maps task kinds to descriptors. Registration normally happens
// at startup, but the map stays safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Descriptor)}
}

// Register adds a descriptor. A later registration for the same kind
// replaces the earlier one.
func (r *Registry) Register(desc *Descriptor) error {
	if desc.Kind == "" {
		return errors.New("descriptor kind must not be empty")
	}
	if desc.Process == nil {
		return errors.Errorf("descriptor for kind %q has no process func", desc.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[desc.Kind] = desc
	return nil
}

// Lookup returns the descriptor for the kind, or ErrUnknownKind.
func (r *Registry) Lookup(kind string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.handlers[kind]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKind, kind)
	}
	return desc, nil
}

// Kinds returns the registered kinds, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}
