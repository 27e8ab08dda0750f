package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether s is a finished state.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped, StateCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether s satisfies dependents.
func IsSuccessful(s State) bool {
	return s == StateCompleted || s == StateCached
}

// Transition moves key from one state to another. The caller passes the
// expected prior state so lost updates surface as errors. state is only
// modified when the transition is allowed.
func Transition(state ExecutionState, key string, from, to State) error {
	cur, ok := state[key]
	if !ok {
		return fmt.Errorf("unknown artifact in state: %q", key)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", key, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", key, from, to)
	}
	state[key] = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCached || to == StateSkipped
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// FailAndPropagate marks key FAILED and every PENDING entry that depends on
// it, directly or transitively, SKIPPED. It returns the skipped keys in
// plan order.
//
// A RUNNING dependent is an invariant violation: nothing may start before
// all of its dependencies succeeded.
func FailAndPropagate(p *Plan, state ExecutionState, key string) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("nil plan")
	}
	start, ok := p.index[key]
	if !ok {
		return nil, fmt.Errorf("unknown artifact: %q", key)
	}

	cur, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("unknown artifact in state: %q", key)
	}
	if cur != StateRunning && cur != StateFailed {
		return nil, fmt.Errorf("cannot fail %q from state %s", key, cur)
	}
	state[key] = StateFailed

	visited := make([]bool, len(p.Entries))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range p.topo.outgoing[start] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		k := p.Entries[u].ID.String()
		switch state[k] {
		case StatePending:
			state[k] = StateSkipped
			skipped = append(skipped, k)
		case StateRunning:
			return skipped, fmt.Errorf("invariant violation: dependent %q is RUNNING during failure propagation", k)
		}

		for _, v := range p.topo.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}

// SkipPending marks every remaining PENDING entry SKIPPED and returns their
// keys in plan order.
func SkipPending(p *Plan, state ExecutionState) []string {
	var skipped []string
	for _, e := range p.Entries {
		k := e.ID.String()
		if state[k] == StatePending {
			state[k] = StateSkipped
			skipped = append(skipped, k)
		}
	}
	return skipped
}
