package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/darianrosebrook/agent-agency-sub005/internal/persistence"
	"github.com/darianrosebrook/agent-agency-sub005/internal/pleading"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
	"github.com/darianrosebrook/agent-agency-sub005/internal/taskqueue"
)

func TestStartSkipsNilCollaborators(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("expected Start to succeed with every collaborator nil, got %v", err)
	}
	s.Stop()
}

func TestSweepStaleTasksDoesNotPanicWithStaleEntries(t *testing.T) {
	q := taskqueue.New()
	q.Enqueue(task.Task{ID: "a"})
	q.Dequeue()
	time.Sleep(5 * time.Millisecond)

	s := New(Config{StaleTaskMaxAge: time.Millisecond}, q, nil, nil, nil)
	s.sweepStaleTasks(context.Background())
}

func TestSweepSnapshotsDeletesExpired(t *testing.T) {
	dir, err := os.MkdirTemp("", "scheduler-test-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "test.db"), otel.Meter("scheduler-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	store.UpsertSnapshot(ctx, persistence.TaskSnapshot{TaskID: "t1", ExpiresAt: &past})

	s := New(DefaultConfig(), nil, nil, nil, store)
	s.sweepSnapshots(ctx)

	if _, ok, _ := store.GetSnapshot(ctx, "t1"); ok {
		t.Fatalf("expected expired snapshot removed by the sweep")
	}
}

func TestSweepPleadingExpiresWorkflows(t *testing.T) {
	pl := pleading.New(pleading.Config{RequiredApprovals: 2, MaxDecisions: 3, Expiry: 5 * time.Millisecond}, nil)
	ctx := context.Background()
	pl.InitiatePleading(ctx, "t1", nil)
	time.Sleep(10 * time.Millisecond)

	s := New(DefaultConfig(), nil, nil, pl, nil)
	s.sweepPleading(ctx)

	wf, ok := pl.GetWorkflow("t1")
	if !ok || wf.Status != pleading.StatusExpired {
		t.Fatalf("expected workflow expired by the sweep, got %+v ok=%v", wf, ok)
	}
}
