// Command orchestratord is the task orchestrator's process entrypoint:
// an HTTP daemon exposing submit/status/plead endpoints plus a
// Prometheus metrics handler, fronted by a small cobra CLI so the same
// binary can also act as a one-shot client against a running daemon.
// Grounded on the teacher's main.go (signal.NotifyContext, obstel
// tracer/metrics bootstrap, obslog init, net/http mux with graceful
// shutdown) generalized from a single HTTP handler table into the full
// task-orchestrator surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/darianrosebrook/agent-agency-sub005/internal/eventbus"
	"github.com/darianrosebrook/agent-agency-sub005/internal/obslog"
	"github.com/darianrosebrook/agent-agency-sub005/internal/obstel"
	"github.com/darianrosebrook/agent-agency-sub005/internal/orchestrator"
	"github.com/darianrosebrook/agent-agency-sub005/internal/persistence"
	"github.com/darianrosebrook/agent-agency-sub005/internal/pleading"
	"github.com/darianrosebrook/agent-agency-sub005/internal/scheduler"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
	"github.com/darianrosebrook/agent-agency-sub005/internal/workerpool"

	"go.opentelemetry.io/otel"
)

const serviceName = "agent-orchestrator"

func main() {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "AI-agent task orchestrator daemon and CLI client",
	}

	var addr, dbPath, baseURL string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the orchestrator HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, dbPath)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&dbPath, "db", "orchestrator.db", "path to the bbolt persistence file (empty disables persistence)")

	var taskFile string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a task (JSON file or stdin) to a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(baseURL, taskFile)
		},
	}
	submitCmd.Flags().StringVar(&taskFile, "file", "-", "path to a task JSON document, or - for stdin")

	var statusTaskID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "fetch a task's current status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(baseURL, statusTaskID)
		},
	}
	statusCmd.Flags().StringVar(&statusTaskID, "task-id", "", "task id to query")

	var pleadTaskID, pleadApprover, pleadKind, pleadReason string
	pleadCmd := &cobra.Command{
		Use:   "plead",
		Short: "submit a pleading decision to a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlead(baseURL, pleadTaskID, pleadApprover, pleadKind, pleadReason)
		},
	}
	pleadCmd.Flags().StringVar(&pleadTaskID, "task-id", "", "task id under escalation")
	pleadCmd.Flags().StringVar(&pleadApprover, "approver", "", "approver id")
	pleadCmd.Flags().StringVar(&pleadKind, "decision", "approve", "approve|deny|escalate")
	pleadCmd.Flags().StringVar(&pleadReason, "reason", "", "reasoning text")

	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "daemon base URL (submit/status/plead)")
	root.AddCommand(serveCmd, submitCmd, statusCmd, pleadCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, addr, dbPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := obslog.Init(serviceName)
	slog.SetDefault(logger)

	shutdownTracer := obstel.InitTracer(ctx, serviceName)
	shutdownMetrics := obstel.InitMetrics(ctx, serviceName)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		obstel.Flush(shutCtx, shutdownTracer)
		obstel.Flush(shutCtx, shutdownMetrics)
	}()

	bus := eventbus.Default()
	bus.StartRetentionSweep(ctx)
	defer bus.Stop()

	var store *persistence.Store
	if dbPath != "" {
		var err error
		store, err = persistence.Open(dbPath, otel.Meter(serviceName))
		if err != nil {
			return fmt.Errorf("open persistence: %w", err)
		}
		defer store.Close()
	}

	dispatcher := workerpool.NewDispatcher(nil)
	orch := orchestrator.New(orchestrator.DefaultConfig(), bus, dispatcher, nil)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutCtx); err != nil {
			slog.Error("orchestrator shutdown error", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.DefaultConfig(), nil, nil, nil, store)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/tasks", handleSubmit(orch))
	mux.HandleFunc("/v1/tasks/", handleStatus(orch))
	mux.HandleFunc("/v1/pleading", handlePlead(orch))
	mux.HandleFunc("/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.GetCapabilities())
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.GetMetrics())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator daemon listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

type submitRequest struct {
	ID                   string          `json:"id"`
	Type                 task.Type       `json:"type"`
	Description          string          `json:"description"`
	Priority             int             `json:"priority"`
	RequiredCapabilities map[string]bool `json:"requiredCapabilities"`
	Budget               task.Budget     `json:"budget"`
	TimeoutMs            int             `json:"timeoutMs"`
	Payload              task.Payload    `json:"payload"`
	Metadata             map[string]string `json:"metadata"`
	MaxAttempts          int             `json:"maxAttempts"`
}

func handleSubmit(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if req.MaxAttempts <= 0 {
			req.MaxAttempts = 1
		}
		t := task.Task{
			ID:                   req.ID,
			Type:                 req.Type,
			Description:          req.Description,
			PriorityValue:        req.Priority,
			RequiredCapabilities: req.RequiredCapabilities,
			Budget:               req.Budget,
			TimeoutMs:            req.TimeoutMs,
			Payload:              req.Payload,
			Metadata:             req.Metadata,
			MaxAttempts:          req.MaxAttempts,
			CreatedAt:            time.Now(),
		}
		result, err := orch.SubmitTask(r.Context(), t)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

func handleStatus(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Path[len("/v1/tasks/"):]
		if taskID == "" {
			http.Error(w, "missing task id", http.StatusBadRequest)
			return
		}
		snap, ok := orch.GetTaskStatus(taskID)
		if !ok {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type pleadRequest struct {
	TaskID     string               `json:"taskId"`
	ApproverID string               `json:"approverId"`
	Decision   pleading.DecisionKind `json:"decision"`
	Reasoning  string               `json:"reasoning"`
}

func handlePlead(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req pleadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := orch.SubmitPleadingDecision(r.Context(), req.TaskID, req.ApproverID, req.Decision, req.Reasoning); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
