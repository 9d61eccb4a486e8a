// Package routing turns a task into a RoutingDecision by scoring
// registry candidates. Grounded on the teacher's plugins.go PluginRegistry
// dispatch-by-type shape (a single Execute-style entry point fronting a
// scored/filtered candidate set) combined with dag_engine.go's
// context-budgeted span pattern for the maxRoutingTimeMs budget.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/registry"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// ErrNoEligibleAgent is returned when fewer than minAgentsRequired
// candidates satisfy the query.
var ErrNoEligibleAgent = errors.New("routing: NO_ELIGIBLE_AGENT")

// Alternative is a candidate the router considered but did not select.
type Alternative struct {
	AgentID string
	Score   float64
	Reason  string
}

// Decision is the routing outcome for one task.
type Decision struct {
	TaskID        string
	SelectedAgent string
	Strategy      string
	Confidence    float64
	Alternatives  []Alternative
	Rationale     string
	Timestamp     time.Time
}

// PerformanceTracker is an optional port routing decisions are reported to.
type PerformanceTracker interface {
	RecordRoutingDecision(ctx context.Context, d Decision)
}

// Config tunes the routing algorithm.
type Config struct {
	MinAgentsRequired      int
	MaxAgentsToConsider    int
	CapabilityMatchWeight  float64
	LoadBalancingWeight    float64
	MaxUtilization         float64
	MaxRoutingTime         time.Duration
}

// DefaultConfig mirrors conservative teacher defaults.
func DefaultConfig() Config {
	return Config{
		MinAgentsRequired:     1,
		MaxAgentsToConsider:   10,
		CapabilityMatchWeight: 0.6,
		LoadBalancingWeight:   0.4,
		MaxUtilization:        90,
		MaxRoutingTime:        500 * time.Millisecond,
	}
}

// Manager routes tasks to registry candidates.
type Manager struct {
	reg     *registry.Registry
	cfg     Config
	tracker PerformanceTracker
	tracer  trace.Tracer
}

// New constructs a Manager over reg. tracker may be nil.
func New(reg *registry.Registry, cfg Config, tracker PerformanceTracker) *Manager {
	if cfg.MinAgentsRequired <= 0 {
		cfg.MinAgentsRequired = DefaultConfig().MinAgentsRequired
	}
	if cfg.MaxAgentsToConsider <= 0 {
		cfg.MaxAgentsToConsider = DefaultConfig().MaxAgentsToConsider
	}
	if cfg.CapabilityMatchWeight == 0 && cfg.LoadBalancingWeight == 0 {
		cfg.CapabilityMatchWeight = DefaultConfig().CapabilityMatchWeight
		cfg.LoadBalancingWeight = DefaultConfig().LoadBalancingWeight
	}
	if cfg.MaxUtilization <= 0 {
		cfg.MaxUtilization = DefaultConfig().MaxUtilization
	}
	if cfg.MaxRoutingTime <= 0 {
		cfg.MaxRoutingTime = DefaultConfig().MaxRoutingTime
	}
	return &Manager{reg: reg, cfg: cfg, tracker: tracker, tracer: otel.Tracer("agent-orchestrator-routing")}
}

func requiredCapsToSlice(caps map[string]bool) []string {
	var out []string
	for k, v := range caps {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// RouteTask scores registry candidates for t and returns the winning
// decision, or ErrNoEligibleAgent if too few candidates qualify.
func (m *Manager) RouteTask(ctx context.Context, t task.Task) (Decision, error) {
	ctx, span := m.tracer.Start(ctx, "routing.route_task", trace.WithAttributes(attribute.String("task_id", t.ID)))
	defer span.End()

	deadline := time.Now().Add(m.cfg.MaxRoutingTime)
	strategy := "weighted-score"

	query := registry.Query{
		TaskType:       t.Type,
		Languages:      requiredCapsToSlice(t.RequiredCapabilities),
		MaxUtilization: m.cfg.MaxUtilization,
	}

	candidates := m.reg.GetAgentsByCapability(query)

	if time.Now().After(deadline) {
		strategy = "timeout-fallback"
		if len(candidates) > m.cfg.MaxAgentsToConsider {
			candidates = candidates[:m.cfg.MaxAgentsToConsider]
		}
	}

	if len(candidates) < m.cfg.MinAgentsRequired {
		return Decision{}, fmt.Errorf("%w: task %s", ErrNoEligibleAgent, t.ID)
	}
	if len(candidates) > m.cfg.MaxAgentsToConsider {
		candidates = candidates[:m.cfg.MaxAgentsToConsider]
	}

	type scored struct {
		agentID string
		score   float64
	}
	results := make([]scored, len(candidates))
	for i, c := range candidates {
		loadScore := 1 - c.Profile.CurrentLoad.UtilizationPercent/100
		total := m.cfg.CapabilityMatchWeight*c.Score + m.cfg.LoadBalancingWeight*loadScore
		results[i] = scored{agentID: c.Profile.ID, score: total}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	var scoreSum float64
	for _, r := range results {
		scoreSum += r.score
	}
	confidence := 0.0
	if scoreSum > 0 {
		confidence = results[0].score / scoreSum
	}

	var alternatives []Alternative
	for i := 1; i < len(results) && i <= 2; i++ {
		reason := "lower score"
		if results[i].score == results[0].score {
			reason = "higher load"
		}
		alternatives = append(alternatives, Alternative{AgentID: results[i].agentID, Score: results[i].score, Reason: reason})
	}

	decision := Decision{
		TaskID:        t.ID,
		SelectedAgent: results[0].agentID,
		Strategy:      strategy,
		Confidence:    confidence,
		Alternatives:  alternatives,
		Rationale:     fmt.Sprintf("selected %s via %s among %d candidates (confidence %.2f)", results[0].agentID, strategy, len(candidates), confidence),
		Timestamp:     time.Now(),
	}

	if m.tracker != nil {
		m.tracker.RecordRoutingDecision(ctx, decision)
	}
	return decision, nil
}
