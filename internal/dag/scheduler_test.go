package dag

import (
	"reflect"
	"testing"
)

func TestScheduler_ReadyEntries_SortedByDepthThenKey(t *testing.T) {
	// C depends on A, D depends on B; R depends on C, D and E.
	a, b := recipe("A"), recipe("B")
	p := resolvePlan(t, recipe("R", recipe("C", a), recipe("D", b), recipe("E")))

	ka, kb, kc, kd, ke := keyOf(t, p, "A"), keyOf(t, p, "B"), keyOf(t, p, "C"), keyOf(t, p, "D"), keyOf(t, p, "E")

	state := NewExecutionState(p)
	got := ReadyEntries(p, state)
	if want := []string{ka, kb, ke}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ready list mismatch: got %v want %v", got, want)
	}

	// A done: C is ready but depth-0 entries still come first.
	state[ka] = StateCompleted
	got = ReadyEntries(p, state)
	if want := []string{kb, ke, kc}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ready list mismatch: got %v want %v", got, want)
	}

	// CACHED satisfies dependents like COMPLETED.
	state[kb] = StateCached
	state[ke] = StateCompleted
	got = ReadyEntries(p, state)
	if want := []string{kc, kd}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ready list mismatch: got %v want %v", got, want)
	}
}

func TestScheduler_FailedDependencyBlocks(t *testing.T) {
	p := resolvePlan(t, recipe("B", recipe("A")))
	state := NewExecutionState(p)
	state[keyOf(t, p, "A")] = StateFailed

	if got := ReadyEntries(p, state); len(got) != 0 {
		t.Fatalf("expected nothing ready, got %v", got)
	}
}

func TestScheduler_PureFunction(t *testing.T) {
	p := resolvePlan(t, recipe("B", recipe("A")))
	state := NewExecutionState(p)
	before := state.Clone()

	_ = ReadyEntries(p, state)
	if !reflect.DeepEqual(state, before) {
		t.Fatalf("ReadyEntries mutated state")
	}
	if ReadyEntries(nil, state) != nil {
		t.Fatalf("expected nil for nil plan")
	}
}
