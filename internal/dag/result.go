package dag

import (
	"vorpal/internal/core"
	"vorpal/internal/trace"
)

// BuildResult summarizes one build of a plan.
type BuildResult struct {
	PlanHash string

	// FinalState is the terminal state of every entry.
	FinalState ExecutionState

	// ExecutionOrder lists the entries that were dispatched, in the order
	// they started.
	ExecutionOrder []string

	// Outputs maps each COMPLETED or CACHED entry to the id of its output
	// in the store.
	Outputs map[string]core.ArtifactID

	// Logs holds the worker log of every dispatched entry.
	Logs map[string][]byte

	Trace trace.BuildTrace
}

// Succeeded reports whether every entry completed or was cached.
func (r *BuildResult) Succeeded() bool {
	for _, s := range r.FinalState {
		if !IsSuccessful(s) {
			return false
		}
	}
	return true
}
