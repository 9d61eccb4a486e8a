package taskfsm

import (
	"context"
	"errors"
	"testing"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

func TestHappyPathTransitions(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.InitializeTask(ctx, "t1")

	path := []task.State{task.StateQueued, task.StateAssigned, task.StateRunning, task.StateCompleted}
	for _, s := range path {
		if err := m.Transition(ctx, "t1", s, "test"); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}

	state, err := m.GetState("t1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != task.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", state)
	}

	hist, err := m.GetHistory("t1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(hist) != len(path) {
		t.Fatalf("expected %d history entries, got %d", len(path), len(hist))
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.InitializeTask(ctx, "t1")

	err := m.Transition(ctx, "t1", task.StateCompleted, "skip ahead")
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	state, _ := m.GetState("t1")
	if state != task.StatePending {
		t.Fatalf("state should be unchanged after rejected transition, got %s", state)
	}
}

func TestUnknownTaskRejected(t *testing.T) {
	m := New()
	if _, err := m.GetState("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if err := m.Transition(context.Background(), "missing", task.StateQueued, "x"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestFailedToQueuedReentry(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.InitializeTask(ctx, "t1")
	for _, s := range []task.State{task.StateQueued, task.StateAssigned, task.StateRunning, task.StateFailed} {
		if err := m.Transition(ctx, "t1", s, "test"); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
	if err := m.Transition(ctx, "t1", task.StateQueued, "pleading approved"); err != nil {
		t.Fatalf("failed -> queued re-entry should be allowed: %v", err)
	}
}

func TestForgetDropsHistory(t *testing.T) {
	m := New()
	m.InitializeTask(context.Background(), "t1")
	m.Forget("t1")
	if _, err := m.GetState("t1"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask after Forget, got %v", err)
	}
}
