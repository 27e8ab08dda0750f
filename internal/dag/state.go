package dag

// State is the runtime status of one plan entry during a build:
//
//	PENDING, RUNNING, COMPLETED, FAILED, SKIPPED, CACHED
//
// It lives outside Plan so the same plan can be built more than once.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateSkipped   State = "SKIPPED"
	StateCached    State = "CACHED"
)

// ExecutionState maps an artifact id ("<name>-<hash>") to its State.
type ExecutionState map[string]State

// NewExecutionState returns a state with every entry of p PENDING.
func NewExecutionState(p *Plan) ExecutionState {
	st := make(ExecutionState, len(p.Entries))
	for _, e := range p.Entries {
		st[e.ID.String()] = StatePending
	}
	return st
}

// Clone returns an independent copy.
func (s ExecutionState) Clone() ExecutionState {
	cp := make(ExecutionState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}
