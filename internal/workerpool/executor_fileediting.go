package workerpool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// deniedCommandPatterns is the closed denylist spec.md §4.9 requires for
// run_terminal_cmd steps. Matched as a case-insensitive substring of the
// whole command line, mirroring the teacher's ShellPlugin allowlist
// approach inverted into a denylist since file_editing commands are
// expected to be more varied than the shell plugin's fixed allowlist.
var deniedCommandPatterns = []string{
	"rm -rf /",
	"rm -rf ~",
	":(){ :|:& };:", // fork bomb
	"mkfs",
	"dd if=",
	"> /dev/sda",
	"chmod -R 777 /",
	"curl | sh",
	"wget | sh",
}

func isDeniedCommand(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, pattern := range deniedCommandPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// FileEditingExecutor runs a sequence of file operations against the
// sandbox, per spec.md §4.9.
type FileEditingExecutor struct {
	tracer trace.Tracer
}

func NewFileEditingExecutor() *FileEditingExecutor {
	return &FileEditingExecutor{tracer: otel.Tracer("agent-orchestrator-fileedit")}
}

func (e *FileEditingExecutor) Execute(ctx context.Context, t task.Task, sb *sandbox.Sandbox) (Result, error) {
	if t.Payload.FileEditing == nil {
		return Result{}, fmt.Errorf("file_editing task %s missing fileEditing payload", t.ID)
	}
	p := t.Payload.FileEditing

	_, span := e.tracer.Start(ctx, "file_editing.execute", trace.WithAttributes(attribute.Int("ops", len(p.Ops))))
	defer span.End()

	var logs []string
	output := map[string]any{}

	for i, op := range p.Ops {
		switch op.Kind {
		case "file_read":
			data, err := sb.ReadFile(ctx, op.Path)
			if err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_read %s: %w", i, op.Path, err)
			}
			output[op.Path] = string(data)

		case "file_search_replace":
			if err := sb.SearchReplace(ctx, op.Path, op.Search, op.Replace); err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_search_replace %s: %w", i, op.Path, err)
			}
			logs = append(logs, fmt.Sprintf("replaced in %s", op.Path))

		case "file_write":
			if err := sb.WriteFile(ctx, op.Path, op.Content, 0); err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_write %s: %w", i, op.Path, err)
			}
			logs = append(logs, fmt.Sprintf("wrote %s", op.Path))

		case "file_mkdir":
			if err := sb.Mkdir(ctx, op.Path); err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_mkdir %s: %w", i, op.Path, err)
			}
			logs = append(logs, fmt.Sprintf("mkdir %s", op.Path))

		case "file_readdir":
			entries, err := sb.Readdir(ctx, op.Path)
			if err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_readdir %s: %w", i, op.Path, err)
			}
			output[op.Path] = entries

		case "file_stat":
			info, err := sb.Stat(ctx, op.Path)
			if err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_stat %s: %w", i, op.Path, err)
			}
			output[op.Path] = info

		case "file_rename":
			if err := sb.Rename(ctx, op.Path, op.NewPath); err != nil {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d file_rename %s -> %s: %w", i, op.Path, op.NewPath, err)
			}
			logs = append(logs, fmt.Sprintf("renamed %s to %s", op.Path, op.NewPath))

		case "run_terminal_cmd":
			if isDeniedCommand(op.Command) {
				return Result{Success: false, Logs: logs}, fmt.Errorf("op %d run_terminal_cmd: command denied: %s", i, op.Command)
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", op.Command)
			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return Result{Success: false, Logs: append(logs, stderr.String())}, fmt.Errorf("op %d run_terminal_cmd: %w", i, err)
			}
			logs = append(logs, stdout.String())

		default:
			return Result{Success: false, Logs: logs}, fmt.Errorf("op %d unknown kind: %s", i, op.Kind)
		}
	}

	manifest := sb.Manifest()
	return Result{Success: true, Output: output, Logs: logs, Artifacts: &manifest}, nil
}
