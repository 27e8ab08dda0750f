package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vorpal/internal/dag"
)

// Recorder writes the history of build invocations into a Store.
type Recorder struct {
	Store *Store

	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a time-ordered run id, so sorting ids sorts runs by
// start time.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Start records a new running build of p. The previous run of the same
// plan, if any, is linked and the retry count carried forward when it
// failed.
func (r *Recorder) Start(p *dag.Plan) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("runs: store is required")
	}
	hash, err := p.Hash()
	if err != nil {
		return Run{}, err
	}
	id, err := NewRunID()
	if err != nil {
		return Run{}, fmt.Errorf("runs: generating id: %w", err)
	}

	run := Run{
		ID:        id,
		PlanHash:  hash,
		Target:    p.Target.String(),
		Root:      p.Root.String(),
		StartTime: r.now(),
		Status:    StatusRunning,
	}
	prev, ok, err := r.Store.Latest(hash)
	if err != nil {
		return Run{}, err
	}
	if ok {
		prevID := prev.ID
		run.PreviousRunID = &prevID
		if prev.Status != StatusSucceeded {
			run.RetryCount = prev.RetryCount + 1
		}
	}

	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Finish records the outcome of every entry, the trace and the final
// status. buildErr is classified and stored as the run failure.
func (r *Recorder) Finish(run Run, res *dag.BuildResult, buildErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("runs: store is required")
	}

	if res != nil {
		for key, state := range res.FinalState {
			o := Outcome{Artifact: key, State: string(state)}
			if out, ok := res.Outputs[key]; ok {
				o.Output = out.String()
			}
			if log, ok := res.Logs[key]; ok {
				o.Log = string(log)
			}
			if err := r.Store.SaveOutcome(run.ID, o); err != nil {
				return run, err
			}
		}
		b, err := res.Trace.CanonicalJSON()
		if err != nil {
			return run, fmt.Errorf("runs: encoding trace: %w", err)
		}
		if err := r.Store.SaveTrace(run.ID, append(b, '\n')); err != nil {
			return run, err
		}
	}

	run.EndTime = r.now()
	run.Status = StatusSucceeded
	if buildErr != nil || (res != nil && !res.Succeeded()) {
		run.Status = StatusFailed
	}
	if buildErr != nil {
		f, err := Classify(buildErr)
		if err != nil {
			return run, err
		}
		if err := r.Store.SaveFailure(run.ID, f); err != nil {
			return run, err
		}
	}
	return run, r.Store.SaveRun(run)
}
