package async

import "sync"

// groupScheduler hands groups to workers while guaranteeing at most one
// worker per group at a time. Groups become ready when work arrives and
// rotate through a FIFO of ready groups, so a busy group cannot starve
// the others.
type groupScheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ready    []string
	queued   map[string]bool
	active   map[string]bool
	deferred map[string]bool
	closed   bool
}

func newGroupScheduler() *groupScheduler {
	s := &groupScheduler{
		queued:   make(map[string]bool),
		active:   make(map[string]bool),
		deferred: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Notify marks the group as having pending work. If a worker currently
// holds the group, the signal is remembered and replayed at Release, so
// work enqueued after the worker's last backlog check is never stranded.
func (s *groupScheduler) Notify(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queued[groupID] {
		return
	}
	if s.active[groupID] {
		s.deferred[groupID] = true
		return
	}
	s.queued[groupID] = true
	s.ready = append(s.ready, groupID)
	s.cond.Signal()
}

// Acquire blocks until a ready group is available and claims it for the
// caller. Returns false when the scheduler is closed.
func (s *groupScheduler) Acquire() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return "", false
	}
	groupID := s.ready[0]
	s.ready = s.ready[1:]
	delete(s.queued, groupID)
	s.active[groupID] = true
	return groupID, true
}

// Release returns the group. When the caller saw more pending work for it,
// the group rejoins the back of the ready list so siblings get their turn
// first.
func (s *groupScheduler) Release(groupID string, stillHasWork bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, groupID)
	if s.deferred[groupID] {
		delete(s.deferred, groupID)
		stillHasWork = true
	}
	if s.closed || !stillHasWork || s.queued[groupID] {
		return
	}
	s.queued[groupID] = true
	s.ready = append(s.ready, groupID)
	s.cond.Signal()
}

// Close wakes all blocked workers and makes further Acquire calls fail.
func (s *groupScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
