package taskqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

func TestFIFOOrdering(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(task.Task{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected a task, queue empty")
		}
		if got.ID != want {
			t.Fatalf("expected %s, got %s", want, got.ID)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	q := New()
	if err := q.Enqueue(task.Task{ID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(task.Task{ID: "a"}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}

	q.Dequeue()
	if err := q.Enqueue(task.Task{ID: "a"}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask while processing, got %v", err)
	}
}

func TestCompleteFreesID(t *testing.T) {
	q := New()
	q.Enqueue(task.Task{ID: "a"})
	q.Dequeue()
	if !q.Complete("a") {
		t.Fatalf("expected complete to report presence")
	}
	if err := q.Enqueue(task.Task{ID: "a"}); err != nil {
		t.Fatalf("re-enqueue after complete should succeed: %v", err)
	}
}

func TestGetStaleTasks(t *testing.T) {
	q := New()
	q.Enqueue(task.Task{ID: "a"})
	q.Dequeue()
	time.Sleep(5 * time.Millisecond)

	stale := q.GetStaleTasks(1 * time.Millisecond)
	if len(stale) != 1 || stale[0].ID != "a" {
		t.Fatalf("expected 1 stale task 'a', got %+v", stale)
	}
	if fresh := q.GetStaleTasks(time.Hour); len(fresh) != 0 {
		t.Fatalf("expected no stale tasks under a generous maxAge, got %+v", fresh)
	}
}

func TestStatsAndSize(t *testing.T) {
	q := New()
	q.Enqueue(task.Task{ID: "a"})
	q.Enqueue(task.Task{ID: "b"})
	q.Dequeue()

	stats := q.GetStats()
	if stats.Queued != 1 || stats.Processing != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if q.Size() != 1 {
		t.Fatalf("expected queued size 1, got %d", q.Size())
	}
}
