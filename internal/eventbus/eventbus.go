// Package eventbus implements the orchestrator's typed lifecycle event
// fan-out: a bounded ring buffer, filtered subscriptions, and per-handler
// timeouts. Spec.md §9 re-architects the teacher's ambient global emitter
// into an explicitly owned, injected value — there is no package-level
// singleton here; Default() is only a thin convenience constructor for
// application wiring, never a shared instance other packages reach into.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/darianrosebrook/agent-agency-sub005/internal/natsbridge"
)

func encodeEvent(ev Event) ([]byte, error) { return json.Marshal(ev) }

// Severity is the closed set of event severities.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the wire schema for every lifecycle event emitted on the bus.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Severity      Severity          `json:"severity"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlationId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	AgentID       string            `json:"agentId,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Handler processes one event. It must not panic across the bus boundary;
// panics are recovered and counted as handler failures.
type Handler func(ctx context.Context, ev Event)

// Filter narrows getEvents/onFiltered to a subset of events. A nil or empty
// field within Filter matches everything for that dimension.
type Filter struct {
	Types           []string
	Severities      []Severity
	Sources         []string
	AgentIDs        []string
	TaskIDs         []string
	CustomPredicate func(Event) bool
}

func (f Filter) matches(ev Event) bool {
	if len(f.Types) > 0 && !containsString(f.Types, ev.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, ev.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	if len(f.AgentIDs) > 0 && !containsString(f.AgentIDs, ev.AgentID) {
		return false
	}
	if len(f.TaskIDs) > 0 && !containsString(f.TaskIDs, ev.TaskID) {
		return false
	}
	if f.CustomPredicate != nil && !f.CustomPredicate(ev) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsSeverity(set []Severity, v Severity) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type subscription struct {
	filter  Filter
	handler Handler
	typed   bool // registered via On(type, ...) rather than OnFiltered
	typ     string
}

// Stats summarizes bus activity.
type Stats struct {
	ByType     map[string]int
	BySeverity map[Severity]int
	BySource   map[string]int
	Total      int
}

// Config tunes bus behavior.
type Config struct {
	MaxEvents        int
	HandlerTimeout   time.Duration
	RetentionPeriod  time.Duration
	RetentionTick    time.Duration
	Synchronous      bool // if true, emit dispatches handlers inline and waits
	NATSSink         *natsbridge.Sink
}

// DefaultConfig mirrors the teacher's conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxEvents:       10_000,
		HandlerTimeout:  5 * time.Second,
		RetentionPeriod: 24 * time.Hour,
		RetentionTick:   time.Minute,
	}
}

// Bus is the explicitly-owned event bus value. Construct one per
// orchestrator instance and inject it into every collaborator that emits.
type Bus struct {
	mu     sync.RWMutex
	cfg    Config
	ring   []Event
	head   int // next write index
	count  int // number of valid entries (<= len(ring))
	subs   map[string][]*subscription // keyed by event type, "" = wildcard
	stats  Stats

	emitted      metric.Int64Counter
	handlerFails metric.Int64Counter
	handlerSlow  metric.Int64Counter

	stopCleanup context.CancelFunc
}

// New constructs a Bus with cfg, falling back to DefaultConfig zero values.
func New(cfg Config) *Bus {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultConfig().RetentionPeriod
	}
	if cfg.RetentionTick <= 0 {
		cfg.RetentionTick = DefaultConfig().RetentionTick
	}

	meter := otel.Meter("agent-orchestrator")
	emitted, _ := meter.Int64Counter("orchestrator_eventbus_emitted_total")
	handlerFails, _ := meter.Int64Counter("orchestrator_eventbus_handler_failures_total")
	handlerSlow, _ := meter.Int64Counter("orchestrator_eventbus_handler_timeouts_total")

	b := &Bus{
		cfg:          cfg,
		ring:         make([]Event, cfg.MaxEvents),
		subs:         make(map[string][]*subscription),
		stats:        Stats{ByType: map[string]int{}, BySeverity: map[Severity]int{}, BySource: map[string]int{}},
		emitted:      emitted,
		handlerFails: handlerFails,
		handlerSlow:  handlerSlow,
	}
	return b
}

// Default returns a Bus with conservative defaults — the thin "root
// facade" spec.md §9 allows for application wiring. It is not a shared
// singleton: each call returns an independent instance.
func Default() *Bus { return New(DefaultConfig()) }

// StartRetentionSweep launches the periodic retention-cleanup tick until ctx
// is cancelled. Call once per Bus; safe to never call if retention is
// managed externally.
func (b *Bus) StartRetentionSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.stopCleanup = cancel
	ticker := time.NewTicker(b.cfg.RetentionTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepExpired()
			}
		}
	}()
}

// Stop halts the retention sweep goroutine, if running.
func (b *Bus) Stop() {
	if b.stopCleanup != nil {
		b.stopCleanup()
	}
}

func (b *Bus) sweepExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.RetentionPeriod)
	kept := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head - b.count + i + len(b.ring)) % len(b.ring)
		ev := b.ring[idx]
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	for i := range b.ring {
		b.ring[i] = Event{}
	}
	copy(b.ring, kept)
	b.count = len(kept)
	b.head = b.count % len(b.ring)
}

// On registers handler for exactly event type typ, in registration order.
func (b *Bus) On(typ string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[typ] = append(b.subs[typ], &subscription{handler: handler, typed: true, typ: typ})
}

// Off removes all handlers previously registered for typ. Handler identity
// in Go is not comparable across closures, so Off clears the whole type —
// callers needing finer control should use OnFiltered with a predicate and
// manage their own enable/disable flag.
func (b *Bus) Off(typ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, typ)
}

// OnFiltered registers handler against an arbitrary Filter, dispatched for
// every emitted event regardless of type (stored under the wildcard key).
func (b *Bus) OnFiltered(filter Filter, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[""] = append(b.subs[""], &subscription{filter: filter, handler: handler})
}

// Emit enqueues ev (assigning ID/Timestamp if unset), records it in the ring
// buffer, and dispatches to matching handlers. In async mode (default),
// each handler runs with its own timeout and failures never propagate back
// to the caller. In synchronous mode, Emit blocks until every handler has
// run or timed out.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.ring[b.head] = ev
	b.head = (b.head + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	b.stats.Total++
	b.stats.ByType[ev.Type]++
	b.stats.BySeverity[ev.Severity]++
	b.stats.BySource[ev.Source]++

	handlers := make([]*subscription, 0, len(b.subs[ev.Type])+len(b.subs[""]))
	handlers = append(handlers, b.subs[ev.Type]...)
	for _, s := range b.subs[""] {
		if s.filter.matches(ev) {
			handlers = append(handlers, s)
		}
	}
	b.mu.Unlock()

	b.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type), attribute.String("severity", string(ev.Severity))))

	if b.cfg.NATSSink != nil {
		if data, err := encodeEvent(ev); err == nil {
			b.cfg.NATSSink.Publish(ctx, data)
		}
	}

	if len(handlers) == 0 {
		// Zero-handler emits are silently dropped (spec.md §9 open question,
		// conservative choice: preserve the teacher's behavior).
		return
	}

	if b.cfg.Synchronous {
		for _, s := range handlers {
			b.runHandler(ctx, s, ev)
		}
		return
	}

	for _, s := range handlers {
		go b.runHandler(ctx, s, ev)
	}
}

func (b *Bus) runHandler(parent context.Context, s *subscription, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("eventbus handler panicked", "type", ev.Type, "recover", r)
				b.handlerFails.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", ev.Type)))
			}
			close(done)
		}()
		s.handler(ctx, ev)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.handlerSlow.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", ev.Type)))
	}
}

// GetEvents returns up to limit of the most recent events matching filter,
// newest first. limit <= 0 defaults to 100.
func (b *Bus) GetEvents(filter Filter, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := 0; i < b.count && len(out) < limit; i++ {
		idx := (b.head - 1 - i + len(b.ring)*2) % len(b.ring)
		ev := b.ring[idx]
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// GetStats returns a snapshot of bus-wide counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Stats{
		ByType:     make(map[string]int, len(b.stats.ByType)),
		BySeverity: make(map[Severity]int, len(b.stats.BySeverity)),
		BySource:   make(map[string]int, len(b.stats.BySource)),
		Total:      b.stats.Total,
	}
	for k, v := range b.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range b.stats.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range b.stats.BySource {
		out.BySource[k] = v
	}
	return out
}
