// Package taskfsm enforces the orchestrator's bounded task lifecycle
// transition graph and keeps a per-task transition history. Grounded on
// the teacher's dag_engine.go state-tracking style (mutex-guarded map
// keyed by id, OTel span per mutating call) applied to a flat state
// enum instead of a DAG of nodes.
package taskfsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// ErrUnknownTask is returned by getState/getHistory/transition for an id
// never initialized.
var ErrUnknownTask = errors.New("taskfsm: unknown task id")

// ErrInvalidTransition is returned when the requested transition is not in
// the allowed graph.
type ErrInvalidTransition struct {
	From, To task.State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("taskfsm: invalid transition %s -> %s", e.From, e.To)
}

// allowed is the bounded transition graph from spec.md §4.3. FAILED -> QUEUED
// is the single absorbing-state exception, reserved for pleading-approved
// re-entry.
var allowed = map[task.State]map[task.State]bool{
	task.StatePending:   {task.StateQueued: true},
	task.StateQueued:    {task.StateAssigned: true, task.StateCancelled: true},
	task.StateAssigned:  {task.StateRunning: true, task.StateCancelled: true},
	task.StateRunning:   {task.StateCompleted: true, task.StateFailed: true, task.StateCancelled: true},
	task.StateFailed:    {task.StateQueued: true},
	task.StateCompleted: {},
	task.StateCancelled: {},
}

// Transition is one recorded hop in a task's history.
type Transition struct {
	From      task.State
	To        task.State
	Reason    string
	Timestamp time.Time
}

type record struct {
	state   task.State
	history []Transition
}

// Machine owns every task's current state and transition history.
type Machine struct {
	mu      sync.RWMutex
	records map[string]*record
	tracer  trace.Tracer
}

// New constructs an empty Machine.
func New() *Machine {
	return &Machine{
		records: make(map[string]*record),
		tracer:  otel.Tracer("agent-orchestrator-fsm"),
	}
}

// InitializeTask seeds id at PENDING. Re-initializing an existing id resets
// its history; callers are expected to only initialize once per task id.
func (m *Machine) InitializeTask(ctx context.Context, id string) {
	_, span := m.tracer.Start(ctx, "fsm.initialize", trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &record{state: task.StatePending}
}

// Transition moves id from its current state to newState if the hop is in
// the allowed graph, appending a history entry. Returns ErrUnknownTask or
// *ErrInvalidTransition on rejection; the task's recorded state is
// unchanged in both failure cases.
func (m *Machine) Transition(ctx context.Context, id string, newState task.State, reason string) error {
	_, span := m.tracer.Start(ctx, "fsm.transition",
		trace.WithAttributes(attribute.String("task_id", id), attribute.String("to", string(newState))))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	next, ok := allowed[rec.state]
	if !ok || !next[newState] {
		return &ErrInvalidTransition{From: rec.state, To: newState}
	}

	rec.history = append(rec.history, Transition{
		From:      rec.state,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	rec.state = newState
	return nil
}

// GetState returns id's current state. O(1) map lookup under a read lock.
func (m *Machine) GetState(id string) (task.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return rec.state, nil
}

// GetHistory returns id's full transition sequence, oldest first.
func (m *Machine) GetHistory(id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	out := make([]Transition, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

// Forget drops id's record entirely. Used by the orchestrator once a
// terminal task's snapshot has been persisted or reported and its
// in-memory bookkeeping is no longer needed.
func (m *Machine) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}
