// Package pleading implements the multi-approval failure-escalation state
// machine: a terminally failed task can be reintroduced into the retry
// pipeline if enough approvers agree. Grounded on the teacher's
// taskfsm-adjacent guard style (a small state enum with an explicit
// allowed-transition check) applied to a quorum vote instead of a linear
// lifecycle, and on cancellation.go's mutex-guarded record map.
package pleading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/eventbus"
)

// Status is the closed set of workflow outcomes.
type Status string

const (
	StatusActive   Status = "active"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// DecisionKind is the closed set an approver may submit.
type DecisionKind string

const (
	DecisionApprove  DecisionKind = "approve"
	DecisionDeny     DecisionKind = "deny"
	DecisionEscalate DecisionKind = "escalate"
)

// Decision is one approver's recorded vote.
type Decision struct {
	ApproverID string
	Kind       DecisionKind
	Reasoning  string
	Timestamp  time.Time
}

// Workflow is one task's escalation record.
type Workflow struct {
	WorkflowID        string
	TaskID            string
	Status            Status
	Decisions         []Decision
	RequiredApprovals int
	CurrentApprovals  int
	InitiatedAt       time.Time
	CompletedAt       *time.Time
	Context           map[string]any
}

// ErrNoActiveWorkflow is returned by SubmitDecision for a taskId with no
// active workflow.
var ErrNoActiveWorkflow = errors.New("pleading: NO_ACTIVE_WORKFLOW")

// Config tunes quorum and decision-count bounds.
type Config struct {
	RequiredApprovals int
	MaxDecisions      int
	Expiry            time.Duration
}

// DefaultConfig mirrors spec.md §8 scenario 5's example tuning.
func DefaultConfig() Config {
	return Config{RequiredApprovals: 2, MaxDecisions: 3, Expiry: 24 * time.Hour}
}

// Manager owns every task's pleading workflow.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	byTask    map[string]*Workflow
	bus       *eventbus.Bus
	nextID    int
	tracer    trace.Tracer
	initiated metric.Int64Counter
	approved  metric.Int64Counter
	denied    metric.Int64Counter
}

// New constructs a Manager emitting onto bus.
func New(cfg Config, bus *eventbus.Bus) *Manager {
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = DefaultConfig().RequiredApprovals
	}
	if cfg.MaxDecisions <= 0 {
		cfg.MaxDecisions = DefaultConfig().MaxDecisions
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultConfig().Expiry
	}

	meter := otel.Meter("agent-orchestrator")
	initiated, _ := meter.Int64Counter("orchestrator_pleading_initiated_total")
	approved, _ := meter.Int64Counter("orchestrator_pleading_approved_total")
	denied, _ := meter.Int64Counter("orchestrator_pleading_denied_total")

	return &Manager{
		cfg:       cfg,
		byTask:    make(map[string]*Workflow),
		bus:       bus,
		tracer:    otel.Tracer("agent-orchestrator-pleading"),
		initiated: initiated,
		approved:  approved,
		denied:    denied,
	}
}

// InitiatePleading creates an active workflow for taskID.
func (m *Manager) InitiatePleading(ctx context.Context, taskID string, wfContext map[string]any) (Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "pleading.initiate", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	m.mu.Lock()
	m.nextID++
	wf := &Workflow{
		WorkflowID:        fmt.Sprintf("plead-%d", m.nextID),
		TaskID:            taskID,
		Status:            StatusActive,
		RequiredApprovals: m.cfg.RequiredApprovals,
		InitiatedAt:       time.Now(),
		Context:           wfContext,
	}
	m.byTask[taskID] = wf
	m.mu.Unlock()

	m.initiated.Add(ctx, 1)
	if m.bus != nil {
		m.bus.Emit(ctx, eventbus.Event{Type: "pleading_initiated", Severity: eventbus.SeverityInfo, Source: "pleading", TaskID: taskID})
	}
	return *wf, nil
}

// SubmitDecision records approverID's decision for taskID's active workflow,
// resolving it to approved/denied when the quorum or decision-count bound
// is reached.
func (m *Manager) SubmitDecision(ctx context.Context, taskID, approverID string, kind DecisionKind, reasoning string) (Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "pleading.submit_decision", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	m.mu.Lock()
	wf, ok := m.byTask[taskID]
	if !ok || wf.Status != StatusActive {
		m.mu.Unlock()
		return Workflow{}, fmt.Errorf("%w: task %s", ErrNoActiveWorkflow, taskID)
	}

	wf.Decisions = append(wf.Decisions, Decision{ApproverID: approverID, Kind: kind, Reasoning: reasoning, Timestamp: time.Now()})
	if kind == DecisionApprove {
		wf.CurrentApprovals++
	}

	resolved := ""
	if wf.CurrentApprovals >= wf.RequiredApprovals {
		wf.Status = StatusApproved
		now := time.Now()
		wf.CompletedAt = &now
		resolved = "approved"
	} else if len(wf.Decisions) >= m.cfg.MaxDecisions {
		wf.Status = StatusDenied
		now := time.Now()
		wf.CompletedAt = &now
		resolved = "denied"
	}
	snapshot := *wf
	m.mu.Unlock()

	switch resolved {
	case "approved":
		m.approved.Add(ctx, 1)
		if m.bus != nil {
			m.bus.Emit(ctx, eventbus.Event{Type: "pleading_approved", Severity: eventbus.SeverityInfo, Source: "pleading", TaskID: taskID})
		}
	case "denied":
		m.denied.Add(ctx, 1)
		if m.bus != nil {
			m.bus.Emit(ctx, eventbus.Event{Type: "pleading_denied", Severity: eventbus.SeverityWarn, Source: "pleading", TaskID: taskID})
		}
	}
	return snapshot, nil
}

// GetWorkflow returns taskID's workflow, if one has been initiated.
func (m *Manager) GetWorkflow(taskID string) (Workflow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.byTask[taskID]
	if !ok {
		return Workflow{}, false
	}
	return *wf, true
}

// SweepExpired marks every workflow older than cfg.Expiry and still active
// as expired. Intended to be cron-driven alongside the registry's stale
// sweep.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.Expiry)
	n := 0
	for _, wf := range m.byTask {
		if wf.Status == StatusActive && wf.InitiatedAt.Before(cutoff) {
			wf.Status = StatusExpired
			now := time.Now()
			wf.CompletedAt = &now
			n++
		}
	}
	return n
}
