package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darianrosebrook/agent-agency-sub005/internal/eventbus"
	"github.com/darianrosebrook/agent-agency-sub005/internal/pleading"
	"github.com/darianrosebrook/agent-agency-sub005/internal/routing"
	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
	"github.com/darianrosebrook/agent-agency-sub005/internal/workerpool"
)

func newTestOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SandboxRoot = t.TempDir()
	cfg.Supervisor.Cooldown = 5 * time.Millisecond
	cfg.Supervisor.BaseDelay = 5 * time.Millisecond
	cfg.Supervisor.MaxDelay = 15 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	busCfg := eventbus.DefaultConfig()
	busCfg.Synchronous = true
	bus := eventbus.New(busCfg)

	o := New(cfg, bus, workerpool.NewDispatcher(nil), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func fileEditTask(id string, ops ...task.FileOp) task.Task {
	return task.Task{
		ID:   id,
		Type: task.TypeFileEditing,
		Payload: task.Payload{
			Kind:        task.TypeFileEditing,
			FileEditing: &task.FileEditingPayload{Ops: ops},
		},
	}
}

func TestSubmitTaskRejectsMissingID(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.SubmitTask(context.Background(), task.Task{Type: task.TypeFileEditing})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestSubmitTaskRejectsUnsupportedType(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.SubmitTask(context.Background(), task.Task{ID: "t1", Type: task.Type("bogus")})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestSubmitTaskRejectsDuplicateID(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	tk := fileEditTask("dup", task.FileOp{Kind: "file_write", Path: "a.txt", Content: []byte("x")})

	if _, err := o.SubmitTask(ctx, tk); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := o.SubmitTask(ctx, tk); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected duplicate submission rejected with ErrInvalidTask, got %v", err)
	}
}

func TestSubmitNonFileEditingTaskWithoutEligibleAgentFails(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.SubmitTask(context.Background(), task.Task{
		ID:   "t1",
		Type: task.TypeScript,
		Payload: task.Payload{
			Kind:   task.TypeScript,
			Script: &task.ScriptPayload{Code: "echo hi"},
		},
	})
	if !errors.Is(err, routing.ErrNoEligibleAgent) {
		t.Fatalf("expected routing.ErrNoEligibleAgent bubbled up, got %v", err)
	}
}

func TestFileEditingTaskCompletesEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	res, err := o.SubmitTask(ctx, fileEditTask("t1",
		task.FileOp{Kind: "file_write", Path: "out.txt", Content: []byte("hello")},
		task.FileOp{Kind: "file_read", Path: "out.txt"},
	))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Queued || res.AssignmentID != "worker-pool" {
		t.Fatalf("unexpected submit result: %+v", res)
	}

	ok := waitUntil(t, 2*time.Second, func() bool {
		snap, found := o.GetTaskStatus("t1")
		return found && snap.State == task.StateCompleted
	})
	if !ok {
		snap, found := o.GetTaskStatus("t1")
		t.Fatalf("expected task t1 to reach COMPLETED, last seen: %+v found=%v", snap, found)
	}
}

func TestSandboxPathEscapeFailsTheTask(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *Config) {
		cfg.EscalateAfterAttempts = 5 // keep the task from escalating to pleading before we observe it
	})
	ctx := context.Background()

	tk := fileEditTask("escape", task.FileOp{Kind: "file_write", Path: "../outside.txt", Content: []byte("x")})
	tk.MaxAttempts = 1
	if _, err := o.SubmitTask(ctx, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok := waitUntil(t, 2*time.Second, func() bool {
		snap, found := o.GetTaskStatus("escape")
		return found && snap.State == task.StateFailed
	})
	if !ok {
		snap, found := o.GetTaskStatus("escape")
		t.Fatalf("expected path-escape task to land in terminal FAILED with its snapshot retained, last seen: %+v found=%v", snap, found)
	}
	snap, _ := o.GetTaskStatus("escape")
	if snap.LastError == "" {
		t.Fatalf("expected the terminal failure snapshot to carry the last error message, got %+v", snap)
	}
}

func TestQuotaExceededFailsTheTask(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *Config) {
		cfg.SandboxQuota = sandbox.Quota{MaxFiles: 10, MaxBytes: 1}
		cfg.EscalateAfterAttempts = 5
	})
	ctx := context.Background()

	tk := fileEditTask("quota", task.FileOp{Kind: "file_write", Path: "big.txt", Content: []byte("this is definitely over one byte")})
	tk.MaxAttempts = 1
	if _, err := o.SubmitTask(ctx, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok := waitUntil(t, 2*time.Second, func() bool {
		snap, found := o.GetTaskStatus("quota")
		return found && snap.State == task.StateFailed
	})
	if !ok {
		t.Fatalf("expected quota-exceeded task to land in terminal FAILED with its snapshot retained")
	}
}

func TestRepeatedFailureEscalatesToPleading(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *Config) {
		cfg.EscalateAfterAttempts = 1
	})
	ctx := context.Background()

	tk := fileEditTask("escalate", task.FileOp{Kind: "run_terminal_cmd", Command: "rm -rf /"})
	tk.MaxAttempts = 1 // no automatic retry; the single failure must escalate straight to pleading
	if _, err := o.SubmitTask(ctx, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok := waitUntil(t, 2*time.Second, func() bool {
		snap, found := o.GetTaskStatus("escalate")
		return found && snap.State == task.StateFailed
	})
	if !ok {
		t.Fatalf("expected task to land in FAILED awaiting pleading escalation")
	}

	// A pleading decision should now be routable for this task id (workflow exists).
	if err := o.SubmitPleadingDecision(ctx, "escalate", "reviewer-1", pleading.DecisionDeny, "still broken"); err != nil {
		t.Fatalf("expected an active pleading workflow to accept a decision, got %v", err)
	}
}

func TestBackpressureQueuesTasksBeyondWorkerCapacity(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *Config) {
		cfg.Supervisor.MaxWorkers = 1
		cfg.Pool.MinPoolSize = 1
		cfg.Pool.MaxPoolSize = 1
		cfg.Supervisor.QueueDepthThreshold = 100
	})
	ctx := context.Background()

	o.SubmitTask(ctx, fileEditTask("slow", task.FileOp{Kind: "run_terminal_cmd", Command: "sleep 0.3"}))
	if _, err := o.SubmitTask(ctx, fileEditTask("queued", task.FileOp{Kind: "file_write", Path: "q.txt", Content: []byte("x")})); err != nil {
		t.Fatalf("submit second task: %v", err)
	}

	snap, found := o.GetTaskStatus("queued")
	if !found || snap.State != task.StateQueued {
		t.Fatalf("expected second task held in QUEUED while the only worker is busy, got %+v found=%v", snap, found)
	}

	ok := waitUntil(t, 3*time.Second, func() bool {
		snap, found := o.GetTaskStatus("queued")
		return found && snap.State == task.StateCompleted
	})
	if !ok {
		t.Fatalf("expected the queued task to eventually complete once the worker freed up")
	}
}

func TestGetCapabilitiesReportsSupportedTypes(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	caps := o.GetCapabilities()
	if len(caps.SupportedTaskTypes) != 5 || !caps.PleadingSupport || !caps.RetrySupport {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestGetMetricsReflectsCompletedCount(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	o.SubmitTask(ctx, fileEditTask("m1", task.FileOp{Kind: "file_write", Path: "m.txt", Content: []byte("x")}))

	ok := waitUntil(t, 2*time.Second, func() bool {
		return o.GetMetrics().CompletedTasks >= 1
	})
	if !ok {
		t.Fatalf("expected GetMetrics to reflect at least 1 completed task, got %+v", o.GetMetrics())
	}
}

func TestGetTaskStatusUnknownID(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	if _, found := o.GetTaskStatus("never-submitted"); found {
		t.Fatalf("expected not found for an unknown task id")
	}
}
