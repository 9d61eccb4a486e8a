package task

import "testing"

func TestPriorityBandThresholds(t *testing.T) {
	cases := []struct {
		priority int
		want     Priority
	}{
		{0, PriorityLow},
		{1, PriorityNormal},
		{5, PriorityNormal},
		{6, PriorityHigh},
		{8, PriorityHigh},
		{9, PriorityCritical},
		{10, PriorityCritical},
	}
	for _, c := range cases {
		if got := PriorityBand(c.priority); got != c.want {
			t.Fatalf("PriorityBand(%d) = %v, want %v", c.priority, got, c.want)
		}
	}
}

func TestTaskPriorityDelegatesToPriorityBand(t *testing.T) {
	tk := Task{PriorityValue: 9}
	if tk.Priority() != PriorityCritical {
		t.Fatalf("expected Task.Priority to mirror PriorityBand, got %v", tk.Priority())
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %v to be terminal", s)
		}
	}
	nonTerminal := []State{StatePending, StateQueued, StateAssigned, StateRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %v to not be terminal", s)
		}
	}
}

func TestValidTypesCoversAllDeclaredTypes(t *testing.T) {
	for _, ty := range []Type{TypeScript, TypeAPICall, TypeDataProcessing, TypeAIInference, TypeFileEditing} {
		if !ValidTypes[ty] {
			t.Fatalf("expected %v to be present in ValidTypes", ty)
		}
	}
	if ValidTypes[Type("bogus")] {
		t.Fatalf("expected an unknown type to be absent from ValidTypes")
	}
}
