// Package orchestrator composes the task state machine, queue, agent
// registry, routing manager, retry handler, worker pool supervisor,
// worker pool, and pleading workflow into the orchestrator's public API.
// It exclusively owns the task-records map per spec.md §3's ownership
// rule; every other component is constructed here and handed only the
// narrow collaborator interface it needs.
//
// Grounded on the teacher's main.go composition root (single process,
// one mux, one store, wired at startup) generalized from an HTTP-only
// workflow runner into the full submit/route/execute/retry/plead
// pipeline spec.md §4.11 and §5 describe. The control loop funnels
// queue/FSM/registry mutations through one goroutine selecting over a
// handful of channels, with one exception: scheduleRetry sleeps out a
// retry backoff on its own goroutine and then performs the FAILED ->
// QUEUED transition and re-enqueue from there, relying on the FSM's and
// the queue's own locks. Status reads cross that boundary under a mutex.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/eventbus"
	"github.com/darianrosebrook/agent-agency-sub005/internal/pleading"
	"github.com/darianrosebrook/agent-agency-sub005/internal/registry"
	"github.com/darianrosebrook/agent-agency-sub005/internal/retry"
	"github.com/darianrosebrook/agent-agency-sub005/internal/routing"
	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/supervisor"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
	"github.com/darianrosebrook/agent-agency-sub005/internal/taskfsm"
	"github.com/darianrosebrook/agent-agency-sub005/internal/taskqueue"
	"github.com/darianrosebrook/agent-agency-sub005/internal/workerpool"
)

// Errors mirror spec.md §6's intake failure modes.
var (
	ErrInvalidTask       = errors.New("orchestrator: INVALID_TASK")
	ErrUnsupportedType   = errors.New("orchestrator: UNSUPPORTED_TYPE")
	ErrNoActiveWorkflow  = pleading.ErrNoActiveWorkflow
)

const maxDescriptionLen = 4096
const maxMetadataEntries = 64

// PerformanceTracker is the optional external port spec.md §6 names;
// routing only ever needs RecordRoutingDecision, so any value satisfying
// that method also satisfies routing.PerformanceTracker structurally.
type PerformanceTracker interface {
	StartExecution(ctx context.Context, taskID, agentID string)
	CompleteExecution(ctx context.Context, taskID string, success bool, latencyMs float64)
	RecordRoutingDecision(ctx context.Context, d routing.Decision)
	RecordConstitutionalValidation(ctx context.Context, taskID string, passed bool)
}

// Config composes every subcomponent's tunables plus orchestrator-level
// knobs (artifact root, escalation heuristic).
type Config struct {
	SandboxRoot          string
	SandboxQuota         sandbox.Quota
	Registry             registry.Config
	Routing              routing.Config
	Retry                retry.Config
	Supervisor           supervisor.Config
	Pool                 workerpool.Config
	Pleading             pleading.Config
	EscalateAfterAttempts int // attempts >= this triggers pleading instead of final failure
}

// DefaultConfig wires every subcomponent's own defaults. Pool.MinPoolSize
// is pinned to Supervisor.MaxWorkers so every worker id EvaluateCapacity
// can hand out ("w-0".."w-(MaxWorkers-1)") is already live in the pool —
// the pool's own elastic MaxPoolSize headroom is reserved for replacement
// workers spawned after a crash, not for capacity beyond what the
// supervisor ever admits into.
func DefaultConfig() Config {
	sup := supervisor.DefaultConfig()
	pool := workerpool.DefaultConfig()
	pool.MinPoolSize = sup.MaxWorkers
	if pool.MaxPoolSize < pool.MinPoolSize {
		pool.MaxPoolSize = pool.MinPoolSize
	}
	return Config{
		SandboxRoot:           "/tmp/orchestrator-artifacts",
		SandboxQuota:          sandbox.Quota{MaxFiles: 100, MaxBytes: 50 << 20},
		Registry:              registry.DefaultConfig(),
		Routing:               routing.DefaultConfig(),
		Retry:                 retry.DefaultConfig(),
		Supervisor:            sup,
		Pool:                  pool,
		Pleading:              pleading.DefaultConfig(),
		EscalateAfterAttempts: 2,
	}
}

// Record is the orchestrator's exclusively-owned per-task bookkeeping
// entry, combining the Task, its current Execution (if any), and the
// fields getTaskStatus needs.
type Record struct {
	Task            task.Task
	State           task.State
	Execution       *task.Execution
	AssignedAgentID string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot is getTaskStatus's return shape (spec.md §6).
type Snapshot struct {
	TaskID          string
	State           task.State
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AssignedAgentID string
	Artifacts       *task.ManifestRef
	LastError       string
	Metadata        map[string]string
}

// Capabilities is getCapabilities's return shape.
type Capabilities struct {
	MaxConcurrentTasks int
	SupportedTaskTypes []task.Type
	PleadingSupport    bool
	RetrySupport       bool
	IsolationLevel     string
	MonitoringEnabled  bool
	MetricsEnabled     bool
}

// Metrics is getMetrics's return shape.
type Metrics struct {
	ActiveTasks    int
	QueuedTasks    int
	CompletedTasks int
	FailedTasks    int
	WorkerPool     WorkerPoolMetrics
}

// WorkerPoolMetrics is the nested worker-pool section of Metrics.
type WorkerPoolMetrics struct {
	ActiveWorkers int
	TotalWorkers  int
	ActiveTasks   int
}

// SubmitResult is submitTask's return shape.
type SubmitResult struct {
	TaskID       string
	AssignmentID string
	Queued       bool
}

type submission struct {
	t    task.Task
	resp chan submitOutcome
}

type submitOutcome struct {
	result SubmitResult
	err    error
}

type pleadingSubmission struct {
	taskID     string
	approverID string
	kind       pleading.DecisionKind
	reasoning  string
	resp       chan error
}

// Orchestrator composes every collaborator and exclusively owns the
// task-records map.
type Orchestrator struct {
	cfg Config
	bus *eventbus.Bus

	fsm        *taskfsm.Machine
	queue      *taskqueue.Queue
	registry   *registry.Registry
	router     *routing.Manager
	retryH     *retry.Handler
	supervisor *supervisor.Supervisor
	pool       *workerpool.Pool
	poolMsgs   <-chan workerpool.WorkerMessage
	pleadingM  *pleading.Manager
	tracker    PerformanceTracker

	mu      sync.RWMutex
	records map[string]*Record

	completedCount int
	failedCount    int

	submitCh   chan submission
	pleadingCh chan pleadingSubmission
	wakeCh     chan struct{} // coalesced processQueue trigger
	stopCh     chan struct{}
	stopped    chan struct{}

	tracer    trace.Tracer
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

// New composes every subcomponent from cfg and starts the control loop.
// dispatcher wires the five per-task-type executors (see workerpool.NewDispatcher);
// tracker may be nil.
func New(cfg Config, bus *eventbus.Bus, dispatcher *workerpool.Dispatcher, tracker PerformanceTracker) *Orchestrator {
	if bus == nil {
		bus = eventbus.Default()
	}
	if cfg.EscalateAfterAttempts <= 0 {
		cfg.EscalateAfterAttempts = DefaultConfig().EscalateAfterAttempts
	}
	if cfg.Supervisor.MaxWorkers > 0 && cfg.Pool.MinPoolSize < cfg.Supervisor.MaxWorkers {
		cfg.Pool.MinPoolSize = cfg.Supervisor.MaxWorkers
	}

	reg := registry.New(cfg.Registry)
	router := routing.New(reg, cfg.Routing, trackerAsRoutingPort(tracker))
	sup := supervisor.New(cfg.Supervisor)
	pool, poolMsgs := workerpool.NewPool(dispatcher, cfg.Pool)

	meter := otel.Meter("agent-orchestrator")
	submitted, _ := meter.Int64Counter("orchestrator_tasks_submitted_total")
	completed, _ := meter.Int64Counter("orchestrator_tasks_completed_total")
	failed, _ := meter.Int64Counter("orchestrator_tasks_failed_total")

	o := &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		fsm:        taskfsm.New(),
		queue:      taskqueue.New(),
		registry:   reg,
		router:     router,
		retryH:     retry.New(cfg.Retry),
		supervisor: sup,
		pool:       pool,
		poolMsgs:   poolMsgs,
		pleadingM:  pleading.New(cfg.Pleading, bus),
		tracker:    tracker,
		records:    make(map[string]*Record),
		submitCh:   make(chan submission, 64),
		pleadingCh: make(chan pleadingSubmission, 16),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		tracer:     otel.Tracer("agent-orchestrator-core"),
		submitted:  submitted,
		completed:  completed,
		failed:     failed,
	}

	go o.run()
	return o
}

func trackerAsRoutingPort(t PerformanceTracker) routing.PerformanceTracker {
	if t == nil {
		return nil
	}
	return t
}

// run is the control-plane goroutine; every queue/FSM/registry mutation
// happens here except the delayed re-queue done by scheduleRetry.
func (o *Orchestrator) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.stopCh:
			return
		case sub := <-o.submitCh:
			result, err := o.doSubmit(sub.t)
			sub.resp <- submitOutcome{result: result, err: err}
			o.processQueue(context.Background())
		case msg := <-o.poolMsgs:
			o.handleWorkerMessage(context.Background(), msg)
			o.processQueue(context.Background())
		case ps := <-o.pleadingCh:
			ps.resp <- o.doSubmitPleadingDecision(ps.taskID, ps.approverID, ps.kind, ps.reasoning)
		case <-o.wakeCh:
			o.processQueue(context.Background())
		}
	}
}

func (o *Orchestrator) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

// SubmitTask validates, enqueues, and kicks processQueue per spec.md
// §4.11. It blocks only long enough for intake validation and enqueue to
// run on the control goroutine — execution itself is asynchronous.
func (o *Orchestrator) SubmitTask(ctx context.Context, t task.Task) (SubmitResult, error) {
	resp := make(chan submitOutcome, 1)
	select {
	case o.submitCh <- submission{t: t, resp: resp}:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
	select {
	case out := <-resp:
		return out.result, out.err
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

func validateIntake(t task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if len(t.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidTask, maxDescriptionLen)
	}
	if len(t.Metadata) > maxMetadataEntries {
		return fmt.Errorf("%w: metadata exceeds %d entries", ErrInvalidTask, maxMetadataEntries)
	}
	if !task.ValidTypes[t.Type] {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t.Type)
	}
	return nil
}

func (o *Orchestrator) doSubmit(t task.Task) (SubmitResult, error) {
	ctx, span := o.tracer.Start(context.Background(), "orchestrator.submit_task", trace.WithAttributes(attribute.String("task_id", t.ID)))
	defer span.End()

	if err := validateIntake(t); err != nil {
		return SubmitResult{}, err
	}

	o.mu.RLock()
	_, exists := o.records[t.ID]
	o.mu.RUnlock()
	if exists {
		return SubmitResult{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidTask, t.ID)
	}

	assignedAgent := ""
	if t.Type != task.TypeFileEditing {
		decision, err := o.router.RouteTask(ctx, t)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("routing: %w", err)
		}
		assignedAgent = decision.SelectedAgent
		o.bus.Emit(ctx, eventbus.Event{Type: "task:assigned", Severity: eventbus.SeverityInfo, Source: "orchestrator", TaskID: t.ID, AgentID: assignedAgent})
	} else {
		assignedAgent = "worker-pool"
	}
	t.AssignedAgentID = assignedAgent

	if err := o.queue.Enqueue(t); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	o.fsm.InitializeTask(ctx, t.ID)
	if err := o.fsm.Transition(ctx, t.ID, task.StateQueued, "intake"); err != nil {
		return SubmitResult{}, err
	}

	now := time.Now()
	o.mu.Lock()
	o.records[t.ID] = &Record{Task: t, State: task.StateQueued, AssignedAgentID: assignedAgent, CreatedAt: now, UpdatedAt: now}
	o.mu.Unlock()

	if o.tracker != nil {
		o.tracker.StartExecution(ctx, t.ID, assignedAgent)
	}
	o.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", string(t.Type))))
	o.bus.Emit(ctx, eventbus.Event{Type: "task:submitted", Severity: eventbus.SeverityInfo, Source: "orchestrator", TaskID: t.ID})

	return SubmitResult{TaskID: t.ID, AssignmentID: assignedAgent, Queued: true}, nil
}

// processQueue admits as many head-of-queue tasks as capacity allows, in
// FIFO order, per spec.md §4.11. The queue is not reordered by priority;
// a task's priority only reaches the supervisor, where a critical task
// bypasses the saturation check.
func (o *Orchestrator) processQueue(ctx context.Context) {
	for {
		t, ok := o.queue.Peek()
		if !ok {
			return
		}

		requiredCaps := requiredCapabilitySet(t)
		if o.capabilityBreakerOpen(requiredCaps) {
			o.bus.Emit(ctx, eventbus.Event{Type: "task:progress", Severity: eventbus.SeverityWarn, Source: "orchestrator", TaskID: t.ID, Metadata: map[string]string{"reason": "capability breaker open"}})
			return
		}

		decision := o.supervisor.EvaluateCapacity(supervisor.CapacityRequest{
			QueueDepth:           o.queue.Size(),
			Priority:             t.Priority(),
			RequiredCapabilities: t.RequiredCapabilities,
		})

		switch decision.Type {
		case supervisor.DecisionBackpressure:
			return
		case supervisor.DecisionQueue:
			return
		case supervisor.DecisionAdmit:
			t, _ = o.queue.Dequeue()
			o.executeTask(ctx, t, decision.WorkerID)
		}
	}
}

func requiredCapabilitySet(t task.Task) []string {
	var out []string
	for k, v := range t.RequiredCapabilities {
		if v {
			out = append(out, k)
		}
	}
	return out
}

func (o *Orchestrator) capabilityBreakerOpen(caps []string) bool {
	for _, c := range caps {
		if o.supervisor.BreakerFor(c).IsOpen() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) executeTask(ctx context.Context, t task.Task, workerID string) {
	if err := o.fsm.Transition(ctx, t.ID, task.StateAssigned, "admitted"); err != nil {
		slog.Error("fsm transition to ASSIGNED failed", "task_id", t.ID, "error", err)
		return
	}
	if err := o.fsm.Transition(ctx, t.ID, task.StateRunning, "dispatched to worker"); err != nil {
		slog.Error("fsm transition to RUNNING failed", "task_id", t.ID, "error", err)
		return
	}

	exec := &task.Execution{
		ExecutionID: fmt.Sprintf("%s-%d", t.ID, time.Now().UnixNano()),
		TaskID:      t.ID,
		AgentID:     t.AssignedAgentID,
		StartedAt:   time.Now(),
		Status:      task.ExecRunning,
		Attempts:    t.Attempts + 1,
	}

	o.mu.Lock()
	if rec, ok := o.records[t.ID]; ok {
		rec.State = task.StateRunning
		rec.Execution = exec
		rec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()

	o.bus.Emit(ctx, eventbus.Event{Type: "task:started", Severity: eventbus.SeverityInfo, Source: "orchestrator", TaskID: t.ID, AgentID: t.AssignedAgentID})

	sandboxDir := fmt.Sprintf("%s/%s", o.cfg.SandboxRoot, t.ID)
	if err := o.pool.Submit(workerID, workerpool.ExecuteRequest{Task: t, SandboxDir: sandboxDir, Quota: o.cfg.SandboxQuota}); err != nil {
		o.supervisor.ReleaseWorker(workerID)
		o.handleExecutionFailure(ctx, t, "worker_crash", err.Error())
	}
}

func (o *Orchestrator) handleWorkerMessage(ctx context.Context, msg workerpool.WorkerMessage) {
	switch msg.Kind {
	case workerpool.MsgTaskCompleted:
		o.supervisor.ReleaseWorker(msg.WorkerID)
		o.handleExecutionSuccess(ctx, msg)
	case workerpool.MsgTaskFailed:
		o.supervisor.ReleaseWorker(msg.WorkerID)
		errType := classifyErr(msg.Err)
		o.handleExecutionFailure(ctx, o.taskFromRecord(msg.TaskID), string(errType), msg.Err.Error())
	case workerpool.MsgWorkerReady, workerpool.MsgWorkerMetrics:
		// no queue-state implication; ambient telemetry only.
	}
}

func (o *Orchestrator) taskFromRecord(taskID string) task.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if rec, ok := o.records[taskID]; ok {
		return rec.Task
	}
	return task.Task{ID: taskID}
}

func classifyErr(err error) supervisor.ErrorType {
	if err == nil {
		return supervisor.ErrorTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "panic"), strings.Contains(msg, "crash"):
		return supervisor.ErrorWorkerCrash
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timeout"), errors.Is(err, context.DeadlineExceeded):
		return supervisor.ErrorTimeout
	case strings.Contains(msg, "unsupported task type"), strings.Contains(msg, "missing") && strings.Contains(msg, "payload"):
		return supervisor.ErrorInvalidTask
	default:
		return supervisor.ErrorTimeout
	}
}

func (o *Orchestrator) handleExecutionSuccess(ctx context.Context, msg workerpool.WorkerMessage) {
	if err := o.fsm.Transition(ctx, msg.TaskID, task.StateCompleted, "task_completed"); err != nil {
		slog.Error("fsm transition to COMPLETED failed", "task_id", msg.TaskID, "error", err)
		return
	}
	o.queue.Complete(msg.TaskID)
	o.supervisor.ClearFailures(msg.TaskID)
	o.retryH.Clear(msg.TaskID)

	now := time.Now()
	o.mu.Lock()
	rec, ok := o.records[msg.TaskID]
	if ok {
		rec.State = task.StateCompleted
		rec.UpdatedAt = now
		if rec.Execution != nil {
			rec.Execution.Status = task.ExecCompleted
			rec.Execution.CompletedAt = &now
			rec.Execution.Result = msg.Result.Output
		}
	}
	o.completedCount++
	o.mu.Unlock()

	if rec != nil && rec.AssignedAgentID != "" && rec.AssignedAgentID != "worker-pool" {
		if _, err := o.registry.UpdatePerformance(ctx, rec.AssignedAgentID, registry.Metrics{Success: true, LatencyMs: float64(msg.Metrics.ExecutionTimeMs)}); err != nil {
			slog.Warn("registry update_performance failed", "agent_id", rec.AssignedAgentID, "error", err)
		}
	}
	if o.tracker != nil {
		o.tracker.CompleteExecution(ctx, msg.TaskID, true, float64(msg.Metrics.ExecutionTimeMs))
	}

	o.completed.Add(ctx, 1)
	o.bus.Emit(ctx, eventbus.Event{Type: "task:completed", Severity: eventbus.SeverityInfo, Source: "orchestrator", TaskID: msg.TaskID})
}

func (o *Orchestrator) handleExecutionFailure(ctx context.Context, t task.Task, errType, errMsg string) {
	plan := o.supervisor.RecordWorkerFailure(t.ID, supervisor.ErrorType(errType))
	o.retryH.RecordFailure(t.ID, errors.New(errMsg))

	if err := o.fsm.Transition(ctx, t.ID, task.StateFailed, errMsg); err != nil {
		slog.Error("fsm transition to FAILED failed", "task_id", t.ID, "error", err)
		return
	}
	o.queue.Complete(t.ID)

	now := time.Now()
	attempts := t.Attempts + 1
	o.mu.Lock()
	rec, ok := o.records[t.ID]
	if ok {
		rec.State = task.StateFailed
		rec.LastError = errMsg
		rec.UpdatedAt = now
		rec.Task.Attempts = attempts
		if rec.Execution != nil {
			rec.Execution.Status = task.ExecFailed
			rec.Execution.CompletedAt = &now
			rec.Execution.Error = errMsg
		}
	}
	o.failedCount++
	o.mu.Unlock()

	if rec != nil && rec.AssignedAgentID != "" && rec.AssignedAgentID != "worker-pool" {
		if _, uerr := o.registry.UpdatePerformance(ctx, rec.AssignedAgentID, registry.Metrics{Success: false}); uerr != nil {
			slog.Warn("registry update_performance failed", "agent_id", rec.AssignedAgentID, "error", uerr)
		}
	}
	if o.tracker != nil {
		o.tracker.CompleteExecution(ctx, t.ID, false, 0)
	}
	o.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errType)))

	if plan.Retry && attempts < t.MaxAttempts {
		delay := plan.BackoffDelay
		o.bus.Emit(ctx, eventbus.Event{Type: "task:retry_scheduled", Severity: eventbus.SeverityWarn, Source: "orchestrator", TaskID: t.ID, Metadata: map[string]string{"delayMs": fmt.Sprintf("%d", delay.Milliseconds())}})
		go o.scheduleRetry(t.ID, delay)
		return
	}

	if attempts >= o.cfg.EscalateAfterAttempts {
		wfCtx := map[string]any{"lastError": errMsg, "attempts": attempts}
		if _, err := o.pleadingM.InitiatePleading(ctx, t.ID, wfCtx); err != nil {
			slog.Error("initiate pleading failed", "task_id", t.ID, "error", err)
		}
		return
	}

	// Terminal failure: rec already carries State: StateFailed and LastError
	// (set above), so it is left in o.records rather than deleted here — the
	// same retention GetTaskStatus relies on for a COMPLETED task.
	o.bus.Emit(ctx, eventbus.Event{Type: "task:failed", Severity: eventbus.SeverityError, Source: "orchestrator", TaskID: t.ID, Metadata: map[string]string{"error": errMsg}})
}

// scheduleRetry re-enters the failed task into the queue after delay, the
// FAILED -> QUEUED re-entry spec.md §4.3 allows.
func (o *Orchestrator) scheduleRetry(taskID string, delay time.Duration) {
	time.Sleep(delay)

	ctx := context.Background()
	o.mu.Lock()
	rec, ok := o.records[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	t := rec.Task
	o.mu.Unlock()

	if err := o.fsm.Transition(ctx, taskID, task.StateQueued, "retry"); err != nil {
		slog.Error("retry re-queue transition failed", "task_id", taskID, "error", err)
		return
	}
	if err := o.queue.Enqueue(t); err != nil {
		slog.Error("retry re-enqueue failed", "task_id", taskID, "error", err)
		return
	}
	o.mu.Lock()
	rec.State = task.StateQueued
	rec.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.bus.Emit(ctx, eventbus.Event{Type: "task:started", Severity: eventbus.SeverityInfo, Source: "orchestrator", TaskID: taskID})
	o.wake()
}

// SubmitPleadingDecision forwards to the pleading manager and, on
// approval, re-queues the task with attempts/maxAttempts both incremented
// by one per spec.md §9's Open Question resolution.
func (o *Orchestrator) SubmitPleadingDecision(ctx context.Context, taskID, approverID string, kind pleading.DecisionKind, reasoning string) error {
	resp := make(chan error, 1)
	select {
	case o.pleadingCh <- pleadingSubmission{taskID: taskID, approverID: approverID, kind: kind, reasoning: reasoning, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) doSubmitPleadingDecision(taskID, approverID string, kind pleading.DecisionKind, reasoning string) error {
	ctx := context.Background()
	wf, err := o.pleadingM.SubmitDecision(ctx, taskID, approverID, kind, reasoning)
	if err != nil {
		return err
	}

	switch wf.Status {
	case pleading.StatusApproved:
		o.mu.Lock()
		rec, ok := o.records[taskID]
		if ok {
			rec.Task.Attempts++
			rec.Task.MaxAttempts++
			rec.State = task.StateQueued
			rec.UpdatedAt = time.Now()
		}
		o.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: task %s", ErrNoActiveWorkflow, taskID)
		}

		if err := o.fsm.Transition(ctx, taskID, task.StateQueued, "pleading approved"); err != nil {
			return err
		}
		if err := o.queue.Enqueue(rec.Task); err != nil {
			return err
		}
		o.supervisor.ClearFailures(taskID)
		o.retryH.Clear(taskID)
		o.wake()
	case pleading.StatusDenied:
		o.bus.Emit(ctx, eventbus.Event{Type: "task:failed", Severity: eventbus.SeverityError, Source: "orchestrator", TaskID: taskID, Metadata: map[string]string{"reason": "pleading denied"}})
		o.mu.Lock()
		delete(o.records, taskID)
		o.mu.Unlock()
		o.fsm.Forget(taskID)
		o.supervisor.ClearFailures(taskID)
		o.retryH.Clear(taskID)
	}
	return nil
}

// GetTaskStatus returns taskId's current snapshot, or ok=false if unknown.
func (o *Orchestrator) GetTaskStatus(taskID string) (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[taskID]
	if !ok {
		return Snapshot{}, false
	}

	var artifacts *task.ManifestRef
	if rec.Execution != nil {
		artifacts = rec.Execution.Artifacts
	}
	return Snapshot{
		TaskID:          rec.Task.ID,
		State:           rec.State,
		Description:     rec.Task.Description,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		AssignedAgentID: rec.AssignedAgentID,
		Artifacts:       artifacts,
		LastError:       rec.LastError,
		Metadata:        rec.Task.Metadata,
	}, true
}

// GetCapabilities reports the orchestrator's static feature surface.
func (o *Orchestrator) GetCapabilities() Capabilities {
	return Capabilities{
		MaxConcurrentTasks: o.cfg.Supervisor.MaxWorkers,
		SupportedTaskTypes: []task.Type{task.TypeScript, task.TypeAPICall, task.TypeDataProcessing, task.TypeAIInference, task.TypeFileEditing},
		PleadingSupport:    true,
		RetrySupport:       true,
		IsolationLevel:     "goroutine-isolated-sandboxed-worker",
		MonitoringEnabled:  true,
		MetricsEnabled:     true,
	}
}

// GetMetrics reports current queue and worker-pool occupancy plus the
// completed/failed task counts.
func (o *Orchestrator) GetMetrics() Metrics {
	qs := o.queue.GetStats()

	o.mu.RLock()
	completed := o.completedCount
	failedN := o.failedCount
	o.mu.RUnlock()

	workerIDs := o.pool.WorkerIDs()
	return Metrics{
		ActiveTasks:    qs.Processing,
		QueuedTasks:    qs.Queued,
		CompletedTasks: completed,
		FailedTasks:    failedN,
		WorkerPool: WorkerPoolMetrics{
			ActiveWorkers: qs.Processing,
			TotalWorkers:  len(workerIDs),
			ActiveTasks:   qs.Processing,
		},
	}
}

// Shutdown halts the control loop and the worker pool, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stopCh)
	select {
	case <-o.stopped:
	case <-ctx.Done():
	}
	o.registry.Stop(ctx)
	return o.pool.Shutdown(ctx)
}
