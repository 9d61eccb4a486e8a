package eventbus

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEvents = 4
	cfg.Synchronous = true
	return cfg
}

func TestEmitRecordsIntoRingBuffer(t *testing.T) {
	b := New(testConfig())
	b.Emit(context.Background(), Event{Type: "task:submitted", Severity: SeverityInfo, Source: "orchestrator"})

	events := b.GetEvents(Filter{}, 10)
	if len(events) != 1 || events[0].Type != "task:submitted" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Fatalf("expected ID and Timestamp auto-assigned, got %+v", events[0])
	}
}

func TestRingBufferEvictsOldestBeyondCapacity(t *testing.T) {
	b := New(testConfig()) // MaxEvents=4
	for i := 0; i < 6; i++ {
		b.Emit(context.Background(), Event{Type: "t", Source: "s"})
	}
	events := b.GetEvents(Filter{}, 10)
	if len(events) != 4 {
		t.Fatalf("expected ring buffer capped at 4, got %d", len(events))
	}
}

func TestOnDispatchesOnlyRegisteredType(t *testing.T) {
	b := New(testConfig())
	var gotA, gotB int
	b.On("a", func(ctx context.Context, ev Event) { gotA++ })
	b.On("b", func(ctx context.Context, ev Event) { gotB++ })

	b.Emit(context.Background(), Event{Type: "a"})
	if gotA != 1 || gotB != 0 {
		t.Fatalf("expected only 'a' handler invoked, got gotA=%d gotB=%d", gotA, gotB)
	}
}

func TestOffRemovesHandlers(t *testing.T) {
	b := New(testConfig())
	var count int
	b.On("a", func(ctx context.Context, ev Event) { count++ })
	b.Off("a")
	b.Emit(context.Background(), Event{Type: "a"})
	if count != 0 {
		t.Fatalf("expected no dispatch after Off, got count=%d", count)
	}
}

func TestOnFilteredMatchesAcrossTypes(t *testing.T) {
	b := New(testConfig())
	var matched []string
	b.OnFiltered(Filter{Severities: []Severity{SeverityError}}, func(ctx context.Context, ev Event) {
		matched = append(matched, ev.Type)
	})

	b.Emit(context.Background(), Event{Type: "x", Severity: SeverityInfo})
	b.Emit(context.Background(), Event{Type: "y", Severity: SeverityError})

	if len(matched) != 1 || matched[0] != "y" {
		t.Fatalf("expected only the error-severity event matched, got %+v", matched)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(testConfig())
	b.On("boom", func(ctx context.Context, ev Event) { panic("nope") })

	b.Emit(context.Background(), Event{Type: "boom"})
	// Synchronous Emit must return despite the handler panicking.
}

func TestGetStatsAggregatesByDimension(t *testing.T) {
	b := New(testConfig())
	b.Emit(context.Background(), Event{Type: "a", Severity: SeverityInfo, Source: "orch"})
	b.Emit(context.Background(), Event{Type: "a", Severity: SeverityWarn, Source: "orch"})
	b.Emit(context.Background(), Event{Type: "b", Severity: SeverityInfo, Source: "sched"})

	stats := b.GetStats()
	if stats.Total != 3 {
		t.Fatalf("expected total 3, got %d", stats.Total)
	}
	if stats.ByType["a"] != 2 || stats.ByType["b"] != 1 {
		t.Fatalf("unexpected ByType: %+v", stats.ByType)
	}
	if stats.BySource["orch"] != 2 || stats.BySource["sched"] != 1 {
		t.Fatalf("unexpected BySource: %+v", stats.BySource)
	}
}

func TestRetentionSweepDropsExpiredEvents(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionPeriod = 5 * time.Millisecond
	b := New(cfg)
	b.Emit(context.Background(), Event{Type: "old"})
	time.Sleep(10 * time.Millisecond)
	b.sweepExpired()

	events := b.GetEvents(Filter{}, 10)
	if len(events) != 0 {
		t.Fatalf("expected expired event swept, got %+v", events)
	}
}
