// Package taskqueue implements the orchestrator's FIFO pending queue plus
// its processing index, both keyed by task id. Grounded on the teacher's
// dag_engine.go ready-queue bookkeeping (an ordered slice plus a map index
// kept in lockstep under one mutex) generalized to the enqueue/dequeue/
// complete lifecycle spec.md §4.4 names.
package taskqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// ErrDuplicateTask is returned by Enqueue when id is already queued or
// being processed.
var ErrDuplicateTask = errors.New("taskqueue: duplicate task id")

type entry struct {
	t         task.Task
	enqueuedAt time.Time
}

// Stats summarizes queue occupancy.
type Stats struct {
	Queued         int
	Processing     int
	Total          int
	OldestQueuedAt *time.Time
}

// Queue is the ordered pending queue plus processing set.
type Queue struct {
	mu         sync.Mutex
	order      []string // task ids, FIFO order within the queued set
	queued     map[string]entry
	processing map[string]entry
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		queued:     make(map[string]entry),
		processing: make(map[string]entry),
	}
}

// Enqueue appends t to the tail of the FIFO queue. Fails if t.ID is already
// queued or processing.
func (q *Queue) Enqueue(t task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[t.ID]; ok {
		return ErrDuplicateTask
	}
	if _, ok := q.processing[t.ID]; ok {
		return ErrDuplicateTask
	}
	q.queued[t.ID] = entry{t: t, enqueuedAt: time.Now()}
	q.order = append(q.order, t.ID)
	return nil
}

// Dequeue removes and returns the head of the queue, moving it into the
// processing set. Returns ok=false if the queue is empty.
func (q *Queue) Dequeue() (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		e, ok := q.queued[id]
		if !ok {
			continue // was removed out-of-band; skip the stale order entry
		}
		delete(q.queued, id)
		q.processing[id] = e
		return e.t, true
	}
	return task.Task{}, false
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if e, ok := q.queued[id]; ok {
			return e.t, true
		}
	}
	return task.Task{}, false
}

// Remove drops id from whichever set it is in (queued or processing).
// Returns whether it was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; ok {
		delete(q.queued, id)
		q.pruneOrder(id)
		return true
	}
	if _, ok := q.processing[id]; ok {
		delete(q.processing, id)
		return true
	}
	return false
}

func (q *Queue) pruneOrder(id string) {
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Complete removes id from the processing set, signaling its attempt has
// finished (successfully or not). Returns whether it was present.
func (q *Queue) Complete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[id]; ok {
		delete(q.processing, id)
		return true
	}
	return false
}

// HasTask reports whether id is queued or processing.
func (q *Queue) HasTask(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, inQueue := q.queued[id]
	_, inProcessing := q.processing[id]
	return inQueue || inProcessing
}

// Size returns the number of queued (not-yet-dequeued) tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// IsEmpty reports whether the queued set is empty.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// GetStaleTasks returns every processing task whose enqueue time is older
// than maxAge, for supervisor/orchestrator crash-recovery sweeps.
func (q *Queue) GetStaleTasks(maxAge time.Duration) []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []task.Task
	for _, e := range q.processing {
		if e.enqueuedAt.Before(cutoff) {
			out = append(out, e.t)
		}
	}
	return out
}

// Clear empties both the queued and processing sets.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.queued = make(map[string]entry)
	q.processing = make(map[string]entry)
}

// GetStats reports current occupancy.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Queued: len(q.queued), Processing: len(q.processing)}
	s.Total = s.Queued + s.Processing
	var oldest *time.Time
	for _, e := range q.queued {
		t := e.enqueuedAt
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
	}
	s.OldestQueuedAt = oldest
	return s
}
