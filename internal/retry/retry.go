// Package retry tracks per-task attempt counts and decides whether a
// failed attempt should be retried, building on the generic backoff
// primitives in internal/resilience. Grounded on the teacher's
// resilience_test.go call shape (attempts tracked alongside a policy,
// queried via a pure predicate) adapted to per-taskId bookkeeping instead
// of a single shared counter.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darianrosebrook/agent-agency-sub005/internal/resilience"
)

// TaskExecutionError is raised once a task exhausts maxRetries.
type TaskExecutionError struct {
	TaskID   string
	Attempts int
	Last     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("retry: task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Last)
}

func (e *TaskExecutionError) Unwrap() error { return e.Last }

// Config tunes the retry handler's backoff policy and attempt ceiling.
type Config struct {
	MaxRetries int
	Backoff    resilience.BackoffPolicy
}

// DefaultConfig matches spec.md §8 scenario 4's example tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		Backoff: resilience.BackoffPolicy{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         true,
		},
	}
}

type attemptRecord struct {
	attempts int
	lastErr  error
}

// Handler tracks attempt counts per task id and computes retry delays.
type Handler struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*attemptRecord
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Handler{cfg: cfg, records: make(map[string]*attemptRecord)}
}

// ExecuteWithRetry runs op, recording each failure against taskId and
// sleeping the computed backoff delay between attempts. After MaxRetries
// failures it returns *TaskExecutionError. Success clears taskId's
// attempt record.
func (h *Handler) ExecuteWithRetry(ctx context.Context, taskID string, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			h.clear(taskID)
			return nil
		}

		exceeded := h.recordFailure(taskID, err)
		if exceeded {
			rec := h.get(taskID)
			return &TaskExecutionError{TaskID: taskID, Attempts: rec.attempts, Last: err}
		}

		delay := h.cfg.Backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (h *Handler) get(taskID string) *attemptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[taskID]
	if !ok {
		rec = &attemptRecord{}
		h.records[taskID] = rec
	}
	return rec
}

// recordFailure increments taskId's attempt count and reports whether it
// has now exceeded MaxRetries.
func (h *Handler) recordFailure(taskID string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[taskID]
	if !ok {
		rec = &attemptRecord{}
		h.records[taskID] = rec
	}
	rec.attempts++
	rec.lastErr = err
	return rec.attempts >= h.cfg.MaxRetries
}

func (h *Handler) clear(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, taskID)
}

// RecordFailure increments taskId's attempt count and reports whether it
// has now exceeded MaxRetries. Exported for callers that drive their own
// async retry scheduling (e.g. requeuing through a task queue) instead of
// blocking inside ExecuteWithRetry.
func (h *Handler) RecordFailure(taskID string, err error) bool {
	return h.recordFailure(taskID, err)
}

// Clear drops taskId's recorded attempt count, e.g. once it terminally
// succeeds or is abandoned.
func (h *Handler) Clear(taskID string) {
	h.clear(taskID)
}

// HasExceededRetries is a pure predicate over the stored attempt count.
func (h *Handler) HasExceededRetries(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[taskID]
	if !ok {
		return false
	}
	return rec.attempts >= h.cfg.MaxRetries
}

// Attempts returns taskId's current recorded attempt count (0 if none).
func (h *Handler) Attempts(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[taskID]
	if !ok {
		return 0
	}
	return rec.attempts
}
