package workerpool

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// AIProvider is the narrow external-model contract spec.md §1 names as an
// explicit out-of-scope collaborator: the core depends only on this
// interface, never on a concrete inference runtime.
type AIProvider interface {
	Infer(ctx context.Context, model, prompt string, params map[string]any) (map[string]any, error)
}

// AIInferenceExecutor delegates ai_inference tasks to an injected
// AIProvider. A nil provider is valid construction-time (the orchestrator
// may run with no model backend wired) but fails any ai_inference task at
// execute time with a plain error saying no model provider is configured.
type AIInferenceExecutor struct {
	provider AIProvider
	tracer   trace.Tracer
}

func NewAIInferenceExecutor(provider AIProvider) *AIInferenceExecutor {
	return &AIInferenceExecutor{provider: provider, tracer: otel.Tracer("agent-orchestrator-ai")}
}

func (e *AIInferenceExecutor) Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error) {
	if t.Payload.AIInference == nil {
		return Result{}, fmt.Errorf("ai_inference task %s missing aiInference payload", t.ID)
	}
	p := t.Payload.AIInference

	ctx, span := e.tracer.Start(ctx, "ai_inference.execute", trace.WithAttributes(attribute.String("model", p.Model)))
	defer span.End()

	if e.provider == nil {
		return Result{}, fmt.Errorf("ai_inference task %s: no model provider configured", t.ID)
	}
	if p.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxWait)
		defer cancel()
	}

	out, err := e.provider.Infer(ctx, p.Model, p.Prompt, p.Params)
	if err != nil {
		return Result{}, fmt.Errorf("model inference failed: %w", err)
	}
	return Result{Success: true, Output: out}, nil
}
