// Package workerpool owns the isolated execution contexts ("workers")
// that run one task at a time and dispatch to per-type executors.
// Grounded on the teacher's task_executor.go MultiTaskExecutor dispatch
// shape (one Execute-by-type router fronting dedicated per-type
// executors with their own http.Client / tracer) generalized across the
// five task types spec.md §4.9 names.
package workerpool

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// Result is one executor's output, folded into task_completed / task_failed.
type Result struct {
	Success   bool
	Output    map[string]any
	Logs      []string
	Artifacts *sandbox.Manifest
}

// TaskExecutor is the per-type execution contract workers dispatch on.
type TaskExecutor interface {
	Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error)
}

// Dispatcher routes a task to its type's executor.
type Dispatcher struct {
	executors map[task.Type]TaskExecutor
	tracer    trace.Tracer
}

// NewDispatcher wires the five built-in executors. aiProvider may be nil
// if ai_inference tasks are not expected; dispatch then fails per-task.
func NewDispatcher(aiProvider AIProvider) *Dispatcher {
	d := &Dispatcher{
		executors: make(map[task.Type]TaskExecutor),
		tracer:    otel.Tracer("agent-orchestrator-worker"),
	}
	d.executors[task.TypeScript] = NewScriptExecutor()
	d.executors[task.TypeAPICall] = NewAPICallExecutor(nil)
	d.executors[task.TypeDataProcessing] = NewDataProcessingExecutor()
	d.executors[task.TypeAIInference] = NewAIInferenceExecutor(aiProvider)
	d.executors[task.TypeFileEditing] = NewFileEditingExecutor()
	return d
}

// Execute dispatches t to its type's executor under a scoped deadline.
func (d *Dispatcher) Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("task_id", t.ID), attribute.String("task_type", string(t.Type)),
	))
	defer span.End()

	exec, ok := d.executors[t.Type]
	if !ok {
		return Result{}, fmt.Errorf("unsupported task type: %s", t.Type)
	}

	if t.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	return exec.Execute(ctx, t, sb)
}

// ScriptExecutor runs payload.code through the platform shell (sh -c).
// There is no embedded scripting runtime in the dependency pack available
// to this repo, so the script is an ordinary child process: it runs in the
// orchestrator's own working directory rather than the sandbox root, and
// payload.args are not passed to it. When payload.env is non-empty its
// entries form the child's whole environment; otherwise the child inherits
// the orchestrator's environment. Matches the teacher's ScriptTaskExecutor
// placeholder shape but wired to an actual process instead of a mock result.
type ScriptExecutor struct {
	tracer trace.Tracer
}

func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{tracer: otel.Tracer("agent-orchestrator-script")}
}

func (e *ScriptExecutor) Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "script.execute")
	defer span.End()

	if t.Payload.Script == nil {
		return Result{}, fmt.Errorf("script task %s missing script payload", t.ID)
	}
	p := t.Payload.Script

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Code)
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	logs := []string{}
	if stdout.Len() > 0 {
		logs = append(logs, stdout.String())
	}
	if stderr.Len() > 0 {
		logs = append(logs, stderr.String())
	}

	span.SetAttributes(attribute.Int("output_size", stdout.Len()))

	if runErr != nil {
		return Result{Success: false, Logs: logs}, fmt.Errorf("script execution failed: %w", runErr)
	}
	return Result{
		Success: true,
		Output:  map[string]any{"stdout": stdout.String()},
		Logs:    logs,
	}, nil
}

// APICallExecutor issues an HTTP request per spec.md §4.9, grounded
// directly on the teacher's HTTPTaskExecutor (connection-pooled client,
// X-Task-ID header, 10MiB response cap, best-effort JSON parse). No trace
// context is injected into the outgoing request.
type APICallExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

func NewAPICallExecutor(client *http.Client) *APICallExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &APICallExecutor{client: client, tracer: otel.Tracer("agent-orchestrator-apicall")}
}

func (e *APICallExecutor) Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error) {
	if t.Payload.APICall == nil {
		return Result{}, fmt.Errorf("api_call task %s missing apiCall payload", t.ID)
	}
	p := t.Payload.APICall

	ctx, span := e.tracer.Start(ctx, "api_call.execute",
		trace.WithAttributes(attribute.String("url", p.URL), attribute.String("method", p.Method)))
	defer span.End()

	result, statusCode, err := doAPICall(ctx, e.client, t.ID, p)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	return Result{Success: true, Output: result}, nil
}
