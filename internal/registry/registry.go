// Package registry catalogs agent profiles, indexes them by capability,
// and applies atomic performance/load updates. Grounded on the teacher's
// scheduler.go component shape (cron-driven background sweep, OTel
// counters, mutex-guarded map, slog) and dag_engine.go's running-average
// update pattern, applied to agent performance history instead of DAG
// node timings.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

var (
	// ErrAgentNotFound is returned by GetProfile for an unknown id.
	ErrAgentNotFound = errors.New("registry: agent not found")
	// ErrDuplicateAgent is returned by RegisterAgent for an id already registered.
	ErrDuplicateAgent = errors.New("registry: duplicate agent id")
	// ErrRegistryFull is returned by RegisterAgent once maxAgents is reached.
	ErrRegistryFull = errors.New("registry: REGISTRY_FULL")
)

// Capabilities describes what an agent can do.
type Capabilities struct {
	TaskTypes       map[task.Type]bool
	Languages       map[string]bool
	Specializations map[string]bool
}

// PerformanceHistory is the running-average performance record.
type PerformanceHistory struct {
	SuccessRate    float64
	AverageQuality float64
	AverageLatency time.Duration
	TaskCount      int
}

// Load tracks an agent's current utilization.
type Load struct {
	ActiveTasks        int
	QueuedTasks        int
	UtilizationPercent float64
}

// Profile is one agent's catalog entry.
type Profile struct {
	ID                 string
	Name               string
	ModelFamily        string
	Capabilities       Capabilities
	PerformanceHistory PerformanceHistory
	CurrentLoad        Load
	RegisteredAt       time.Time
	LastActiveAt       time.Time

	maxConcurrent int
}

// Metrics is a completed task's outcome, fed into UpdatePerformance.
type Metrics struct {
	Success   bool
	Quality   float64
	LatencyMs float64
}

// Query narrows GetAgentsByCapability.
type Query struct {
	TaskType          task.Type
	Languages         []string
	Specializations   []string
	MaxUtilization    float64 // 0 means unset / no cap
	MinSuccessRate    float64
}

// Ranked pairs a candidate profile with its computed match score.
type Ranked struct {
	Profile Profile
	Score   float64
}

// Stats summarizes registry-wide occupancy.
type Stats struct {
	Total              int
	Active             int
	Idle               int
	AverageUtilization float64
	AverageSuccessRate float64
}

// Config tunes registry behavior.
type Config struct {
	MaxAgents          int
	DefaultMaxConcurrent int
	StaleThreshold     time.Duration
	SweepCron          string // robfig/cron expression, seconds precision
}

// DefaultConfig mirrors conservative teacher defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:            500,
		DefaultMaxConcurrent: 4,
		StaleThreshold:       30 * time.Minute,
		SweepCron:            "0 */5 * * * *", // every 5 minutes
	}
}

// Registry is the capability-indexed agent catalog.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	profiles map[string]*Profile
	cron     *cron.Cron

	tracer       trace.Tracer
	registered   metric.Int64Counter
	unregistered metric.Int64Counter
	staleEvicted metric.Int64Counter
}

// New constructs a Registry. Call StartSweep to enable the background
// stale-profile eviction.
func New(cfg Config) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultConfig().MaxAgents
	}
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = DefaultConfig().DefaultMaxConcurrent
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = DefaultConfig().SweepCron
	}

	meter := otel.Meter("agent-orchestrator")
	registered, _ := meter.Int64Counter("orchestrator_registry_registered_total")
	unregistered, _ := meter.Int64Counter("orchestrator_registry_unregistered_total")
	staleEvicted, _ := meter.Int64Counter("orchestrator_registry_stale_evicted_total")

	return &Registry{
		cfg:          cfg,
		profiles:     make(map[string]*Profile),
		tracer:       otel.Tracer("agent-orchestrator-registry"),
		registered:   registered,
		unregistered: unregistered,
		staleEvicted: staleEvicted,
	}
}

// RegisterAgent fills defaults for p, rejects duplicates and
// over-capacity registration, and zero-initializes performance and load.
func (r *Registry) RegisterAgent(ctx context.Context, p Profile) (Profile, error) {
	_, span := r.tracer.Start(ctx, "registry.register_agent", trace.WithAttributes(attribute.String("agent_id", p.ID)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.ID]; exists {
		return Profile{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, p.ID)
	}
	if len(r.profiles) >= r.cfg.MaxAgents {
		return Profile{}, ErrRegistryFull
	}

	if p.Capabilities.TaskTypes == nil {
		p.Capabilities.TaskTypes = map[task.Type]bool{}
	}
	if p.Capabilities.Languages == nil {
		p.Capabilities.Languages = map[string]bool{}
	}
	if p.Capabilities.Specializations == nil {
		p.Capabilities.Specializations = map[string]bool{}
	}
	if p.maxConcurrent <= 0 {
		p.maxConcurrent = r.cfg.DefaultMaxConcurrent
	}
	p.PerformanceHistory = PerformanceHistory{}
	p.CurrentLoad = Load{}
	p.RegisteredAt = time.Now()
	p.LastActiveAt = p.RegisteredAt

	stored := p
	r.profiles[p.ID] = &stored
	r.registered.Add(ctx, 1)
	return stored, nil
}

// UnregisterAgent removes id from the catalog. Returns whether it was present.
func (r *Registry) UnregisterAgent(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return false
	}
	delete(r.profiles, id)
	r.unregistered.Add(ctx, 1)
	return true
}

// GetProfile returns a copy of id's profile.
func (r *Registry) GetProfile(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *p, nil
}

func matchedOf(want []string, has map[string]bool) (matched, requested int) {
	requested = len(want)
	for _, w := range want {
		if has[w] {
			matched++
		}
	}
	return
}

func subsetOf(want []string, has map[string]bool) bool {
	for _, w := range want {
		if !has[w] {
			return false
		}
	}
	return true
}

// GetAgentsByCapability returns every profile satisfying q, ranked by
// successRate descending, ties (|Δ|<0.01) broken by a weighted match score.
func (r *Registry) GetAgentsByCapability(q Query) []Ranked {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []Profile
	for _, p := range r.profiles {
		if !p.Capabilities.TaskTypes[q.TaskType] {
			continue
		}
		if !subsetOf(q.Languages, p.Capabilities.Languages) {
			continue
		}
		if !subsetOf(q.Specializations, p.Capabilities.Specializations) {
			continue
		}
		if q.MaxUtilization > 0 && p.CurrentLoad.UtilizationPercent > q.MaxUtilization {
			continue
		}
		if q.MinSuccessRate > 0 && p.PerformanceHistory.SuccessRate < q.MinSuccessRate {
			continue
		}
		candidates = append(candidates, *p)
	}

	ranked := make([]Ranked, len(candidates))
	for i, p := range candidates {
		ranked[i] = Ranked{Profile: p, Score: matchScore(p, q)}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].Profile.PerformanceHistory.SuccessRate, ranked[j].Profile.PerformanceHistory.SuccessRate
		if math.Abs(si-sj) >= 0.01 {
			return si > sj
		}
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// matchScore computes the weighted tie-break score from spec.md §4.5:
// 0.3*taskType + 0.3*(matched languages/requested) +
// 0.2*(matched specializations/requested) + 0.2*successRate, normalized
// by the sum of applied weights (a weight is "applied" only when the
// query actually requested that dimension).
func matchScore(p Profile, q Query) float64 {
	var score, weight float64

	const taskTypeWeight = 0.3
	score += taskTypeWeight // taskType is always a required match by this point
	weight += taskTypeWeight

	if len(q.Languages) > 0 {
		matched, requested := matchedOf(q.Languages, p.Capabilities.Languages)
		score += 0.3 * (float64(matched) / float64(requested))
		weight += 0.3
	}
	if len(q.Specializations) > 0 {
		matched, requested := matchedOf(q.Specializations, p.Capabilities.Specializations)
		score += 0.2 * (float64(matched) / float64(requested))
		weight += 0.2
	}
	const successRateWeight = 0.2
	score += successRateWeight * p.PerformanceHistory.SuccessRate
	weight += successRateWeight

	if weight == 0 {
		return 0
	}
	return score / weight
}

// UpdatePerformance applies a sample-count-weighted running average update
// from one completed task's outcome, atomically per agent.
func (r *Registry) UpdatePerformance(ctx context.Context, id string, m Metrics) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	n := float64(p.PerformanceHistory.TaskCount)
	successVal := 0.0
	if m.Success {
		successVal = 1.0
	}
	p.PerformanceHistory.SuccessRate = runningAverage(p.PerformanceHistory.SuccessRate, n, successVal)
	p.PerformanceHistory.AverageQuality = runningAverage(p.PerformanceHistory.AverageQuality, n, m.Quality)
	newLatency := runningAverage(float64(p.PerformanceHistory.AverageLatency.Milliseconds()), n, m.LatencyMs)
	p.PerformanceHistory.AverageLatency = time.Duration(newLatency) * time.Millisecond
	p.PerformanceHistory.TaskCount++
	p.LastActiveAt = time.Now()

	return *p, nil
}

func runningAverage(current, n, sample float64) float64 {
	return (current*n + sample) / (n + 1)
}

// UpdateLoad sets id's active/queued task counts and recomputes
// utilizationPercent = min(100, active/maxConcurrent*100).
func (r *Registry) UpdateLoad(ctx context.Context, id string, active, queued int) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	p.CurrentLoad.ActiveTasks = active
	p.CurrentLoad.QueuedTasks = queued
	util := 100.0
	if p.maxConcurrent > 0 {
		util = (float64(active) / float64(p.maxConcurrent)) * 100
	}
	if util > 100 {
		util = 100
	}
	p.CurrentLoad.UtilizationPercent = util
	p.LastActiveAt = time.Now()
	return *p, nil
}

// GetStats summarizes the registry's current occupancy.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.profiles)}
	var utilSum, successSum float64
	for _, p := range r.profiles {
		if p.CurrentLoad.ActiveTasks > 0 {
			s.Active++
		} else {
			s.Idle++
		}
		utilSum += p.CurrentLoad.UtilizationPercent
		successSum += p.PerformanceHistory.SuccessRate
	}
	if s.Total > 0 {
		s.AverageUtilization = utilSum / float64(s.Total)
		s.AverageSuccessRate = successSum / float64(s.Total)
	}
	return s
}

// StartSweep launches the cron-driven stale-profile eviction
// (lastActiveAt + staleThreshold < now). Call Stop to halt it.
func (r *Registry) StartSweep() error {
	r.cron = cron.New(cron.WithSeconds())
	_, err := r.cron.AddFunc(r.cfg.SweepCron, r.sweepStale)
	if err != nil {
		return fmt.Errorf("registry: add sweep schedule: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the background sweep, if running.
func (r *Registry) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		slog.Warn("registry sweep stop timeout")
	}
}

func (r *Registry) sweepStale() {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.cfg.StaleThreshold)
	var evicted []string
	for id, p := range r.profiles {
		if p.LastActiveAt.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(r.profiles, id)
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.staleEvicted.Add(context.Background(), int64(len(evicted)))
		slog.Info("registry evicted stale profiles", "count", len(evicted))
	}
}
