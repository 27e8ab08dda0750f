package dag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/trace"
)

// Executor builds a Plan.
//
// Entries already in the store or the registry are CACHED; the rest are
// run in dependency order. The first failed entry marks its dependents
// SKIPPED, stops further dispatch and fails the build with a
// core.ArtifactError naming it. Nothing is retried.
type Executor struct {
	Plan   *Plan
	Runner EntryRunner

	// Trace, when set, receives every event in addition to the result's
	// own trace.
	Trace trace.Sink

	Logger *slog.Logger

	mu       sync.Mutex
	state    ExecutionState
	recorder *trace.Recorder
	order    []string
	outputs  map[string]core.ArtifactID
	logs     map[string][]byte
}

// NewExecutor returns an executor with every entry PENDING.
func NewExecutor(p *Plan, runner EntryRunner, logger *slog.Logger) (*Executor, error) {
	if p == nil {
		return nil, fmt.Errorf("nil plan")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	return &Executor{
		Plan:     p,
		Runner:   runner,
		Logger:   logging.OrDiscard(logger),
		state:    NewExecutionState(p),
		recorder: trace.NewRecorder(),
		outputs:  make(map[string]core.ArtifactID, len(p.Entries)),
		logs:     make(map[string][]byte),
	}, nil
}

// StateSnapshot returns a copy of the current state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Run builds the plan with up to concurrency concurrent dispatches. One or
// less runs serially.
func (e *Executor) Run(ctx context.Context, concurrency int) (*BuildResult, error) {
	if concurrency <= 1 {
		return e.RunSerial(ctx)
	}
	return e.RunParallel(ctx, concurrency)
}

// RunSerial builds one entry at a time, always the first the scheduler
// offers.
func (e *Executor) RunSerial(ctx context.Context) (*BuildResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.abort(nil, fmt.Errorf("build cancelled: %w", err))
		}

		e.mu.Lock()
		ready := ReadyEntries(e.Plan, e.state)
		e.mu.Unlock()
		if len(ready) == 0 {
			return e.finish()
		}

		key := ready[0]
		entry := e.entry(key)

		res, cached, err := e.Runner.Probe(ctx, entry)
		if err != nil {
			return e.abort(entry, fmt.Errorf("probing: %w", err))
		}
		if cached {
			if err := e.markCached(key, res); err != nil {
				return nil, err
			}
			continue
		}

		if err := e.markRunning(key); err != nil {
			return nil, err
		}
		res, err = e.Runner.Run(ctx, entry)
		if err != nil {
			return e.fail(entry, err)
		}
		if err := e.markCompleted(key, res); err != nil {
			return nil, err
		}
	}
}

type workItem struct {
	key   string
	entry *PlanEntry
}

type workResult struct {
	key    string
	result *NodeResult
	err    error
}

// RunParallel builds the plan depth by depth with up to concurrency
// workers. Within a depth entries start in key order.
//
// After a failure no new entry starts; entries already running finish and
// are recorded before the build returns.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*BuildResult, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	byDepth := make([][]string, e.Plan.MaxDepth()+1)
	for _, key := range e.startOrder() {
		d := e.entry(key).Depth
		byDepth[d] = append(byDepth[d], key)
	}

	workCh := make(chan workItem)
	doneCh := make(chan workResult, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, err := e.Runner.Run(ctx, w.entry)
				doneCh <- workResult{key: w.key, result: res, err: err}
			}
		}()
	}
	stopWorkers := func() {
		close(workCh)
		wg.Wait()
	}

	var (
		inFlight int
		failed   *PlanEntry
		failErr  error
	)
	collect := func(r workResult) error {
		inFlight--
		if r.err != nil {
			if failed == nil {
				failed, failErr = e.entry(r.key), r.err
			}
			return e.markFailed(r.key)
		}
		return e.markCompleted(r.key, r.result)
	}

	for depth := 0; depth < len(byDepth) && failed == nil; depth++ {
		keys := byDepth[depth]
		next := 0

		for {
			for failed == nil && inFlight < concurrency && next < len(keys) {
				key := keys[next]
				next++

				e.mu.Lock()
				st := e.state[key]
				e.mu.Unlock()
				if IsTerminal(st) {
					continue
				}

				entry := e.entry(key)
				res, cached, err := e.Runner.Probe(ctx, entry)
				if err != nil {
					stopWorkers()
					e.drain(doneCh, inFlight, collect)
					return e.abort(entry, fmt.Errorf("probing: %w", err))
				}
				if cached {
					if err := e.markCached(key, res); err != nil {
						stopWorkers()
						return nil, err
					}
					continue
				}
				if err := e.markRunning(key); err != nil {
					stopWorkers()
					return nil, err
				}
				inFlight++
				workCh <- workItem{key: key, entry: entry}
			}

			if inFlight == 0 && (next >= len(keys) || failed != nil) {
				break
			}

			select {
			case <-ctx.Done():
				stopWorkers()
				e.drain(doneCh, inFlight, collect)
				return e.abort(nil, fmt.Errorf("build cancelled: %w", ctx.Err()))
			case r := <-doneCh:
				if err := collect(r); err != nil {
					stopWorkers()
					return nil, err
				}
			}
		}
	}

	stopWorkers()
	if failed != nil {
		return e.abort(failed, failErr)
	}
	return e.finish()
}

// drain waits for n outstanding results after the workers were stopped.
func (e *Executor) drain(doneCh <-chan workResult, n int, collect func(workResult) error) {
	for ; n > 0; n-- {
		_ = collect(<-doneCh)
	}
}

// startOrder returns every entry key ordered by (depth, key).
func (e *Executor) startOrder() []string {
	keys := make([]string, len(e.Plan.Entries))
	for i, en := range e.Plan.Entries {
		keys[i] = en.ID.String()
	}
	sortByDepth(e.Plan, keys)
	return keys
}

func (e *Executor) entry(key string) *PlanEntry {
	return &e.Plan.Entries[e.Plan.index[key]]
}

func (e *Executor) record(ev trace.Event) {
	e.recorder.Record(ev)
	trace.SafeRecord(e.Trace, ev)
}

func (e *Executor) markCached(key string, res *NodeResult) error {
	if res == nil {
		return fmt.Errorf("probing %q: nil result", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := Transition(e.state, key, StatePending, StateCached); err != nil {
		return err
	}
	e.outputs[key] = res.Output

	kind := trace.EventCached
	if res.Pulled {
		kind = trace.EventPulled
	}
	e.record(trace.Event{Kind: kind, Artifact: key})
	e.Logger.Info("artifact cached", "artifact", key, "state", StateCached, "pulled", res.Pulled)
	return nil
}

func (e *Executor) markRunning(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := Transition(e.state, key, StatePending, StateRunning); err != nil {
		return err
	}
	e.order = append(e.order, key)
	return nil
}

func (e *Executor) markCompleted(key string, res *NodeResult) error {
	if res == nil {
		return fmt.Errorf("building %q: nil result", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := Transition(e.state, key, StateRunning, StateCompleted); err != nil {
		return err
	}
	e.outputs[key] = res.Output
	e.logs[key] = res.Log

	ev := trace.Event{Kind: trace.EventBuilt, Artifact: key}
	if out := res.Output.String(); out != key {
		ev.Output = out
	}
	e.record(ev)
	e.Logger.Info("artifact built", "artifact", key, "state", StateCompleted)
	return nil
}

func (e *Executor) markFailed(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	skipped, err := FailAndPropagate(e.Plan, e.state, key)
	if err != nil {
		return err
	}
	e.record(trace.Event{Kind: trace.EventFailed, Artifact: key})
	for _, k := range skipped {
		e.record(trace.Event{Kind: trace.EventSkipped, Artifact: k, Reason: trace.ReasonUpstreamFailed, Cause: key})
	}
	e.Logger.Error("artifact failed", "artifact", key, "state", StateFailed, "skipped", len(skipped))
	return nil
}

// fail records entry's failure and ends the build.
func (e *Executor) fail(entry *PlanEntry, cause error) (*BuildResult, error) {
	if err := e.markFailed(entry.ID.String()); err != nil {
		return nil, err
	}
	return e.abort(entry, cause)
}

// abort skips everything still pending and returns the partial result with
// cause attributed to entry, when known.
func (e *Executor) abort(entry *PlanEntry, cause error) (*BuildResult, error) {
	e.mu.Lock()
	for _, k := range SkipPending(e.Plan, e.state) {
		ev := trace.Event{Kind: trace.EventSkipped, Artifact: k, Reason: trace.ReasonAborted}
		if entry != nil {
			ev.Cause = entry.ID.String()
		}
		e.record(ev)
	}
	e.mu.Unlock()

	res, err := e.result()
	if err != nil {
		return nil, err
	}
	if entry != nil {
		cause = &core.ArtifactError{Name: entry.ID.Name, Err: cause}
	}
	return res, cause
}

func (e *Executor) finish() (*BuildResult, error) {
	e.mu.Lock()
	for k, st := range e.state {
		if !IsTerminal(st) {
			e.mu.Unlock()
			return nil, fmt.Errorf("no ready entries but %q is %s", k, st)
		}
	}
	e.mu.Unlock()
	return e.result()
}

func (e *Executor) result() (*BuildResult, error) {
	planHash, err := e.Plan.Hash()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	outputs := make(map[string]core.ArtifactID, len(e.outputs))
	for k, v := range e.outputs {
		outputs[k] = v
	}
	logs := make(map[string][]byte, len(e.logs))
	for k, v := range e.logs {
		logs[k] = v
	}
	return &BuildResult{
		PlanHash:       planHash,
		FinalState:     e.state.Clone(),
		ExecutionOrder: append([]string(nil), e.order...),
		Outputs:        outputs,
		Logs:           logs,
		Trace:          e.recorder.Trace(planHash),
	}, nil
}
