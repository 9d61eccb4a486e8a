package workerpool

import (
	"context"
	"testing"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

func dataProcessingTask(op task.DataOp, expr string, items []any) task.Task {
	return task.Task{
		ID:   "t1",
		Type: task.TypeDataProcessing,
		Payload: task.Payload{
			Kind: task.TypeDataProcessing,
			DataProcessing: &task.DataProcessingPayload{Op: op, Items: items, Expression: expr},
		},
	}
}

func TestDataProcessingFilter(t *testing.T) {
	e := NewDataProcessingExecutor()
	items := []any{
		map[string]any{"age": float64(10)},
		map[string]any{"age": float64(25)},
	}
	res, err := e.Execute(context.Background(), dataProcessingTask(task.DataOpFilter, "age >= 18", items), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output["items"].([]any)
	if len(out) != 1 {
		t.Fatalf("expected 1 item to survive the filter, got %d", len(out))
	}
}

func TestDataProcessingMap(t *testing.T) {
	e := NewDataProcessingExecutor()
	items := []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}
	res, err := e.Execute(context.Background(), dataProcessingTask(task.DataOpMap, "name", items), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output["items"].([]any)
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("unexpected mapped output: %+v", out)
	}
}

func TestDataProcessingReduceSum(t *testing.T) {
	e := NewDataProcessingExecutor()
	items := []any{float64(1), float64(2), float64(3)}
	res, err := e.Execute(context.Background(), dataProcessingTask(task.DataOpReduce, "sum", items), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output["result"] != float64(6) {
		t.Fatalf("expected sum 6, got %v", res.Output["result"])
	}
}

func TestDataProcessingSort(t *testing.T) {
	e := NewDataProcessingExecutor()
	items := []any{float64(3), float64(1), float64(2)}
	res, err := e.Execute(context.Background(), dataProcessingTask(task.DataOpSort, "", items), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output["items"].([]any)
	if out[0] != float64(1) || out[1] != float64(2) || out[2] != float64(3) {
		t.Fatalf("expected ascending sort, got %+v", out)
	}
}

func TestDataProcessingMissingPayload(t *testing.T) {
	e := NewDataProcessingExecutor()
	_, err := e.Execute(context.Background(), task.Task{ID: "t1", Type: task.TypeDataProcessing}, nil)
	if err == nil {
		t.Fatalf("expected error for missing dataProcessing payload")
	}
}

func TestDataProcessingUnsupportedOp(t *testing.T) {
	e := NewDataProcessingExecutor()
	_, err := e.Execute(context.Background(), dataProcessingTask(task.DataOp("bogus"), "", nil), nil)
	if err == nil {
		t.Fatalf("expected error for unsupported op")
	}
}
