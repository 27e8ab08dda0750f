package runs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is the record of one build invocation.
type Run struct {
	ID        string    `json:"run_id"`
	PlanHash  string    `json:"plan_hash"`
	Target    string    `json:"target"`
	Root      string    `json:"root"`
	StartTime time.Time `json:"start_time"`

	// EndTime is zero while the run is in progress.
	EndTime time.Time `json:"end_time"`
	Status  Status    `json:"status"`

	// RetryCount counts the consecutive failed runs of the same plan that
	// precede this one.
	RetryCount    int     `json:"retry_count"`
	PreviousRunID *string `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.PlanHash) == "" {
		errs = append(errs, errors.New("plan_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning, StatusSucceeded, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

// Outcome is the terminal state of one plan entry in a run.
type Outcome struct {
	Artifact string `json:"artifact"`
	State    string `json:"state"`

	// Output is the store key of the result; empty unless the entry was
	// built or cached.
	Output string `json:"output,omitempty"`

	// Log is the worker log of a dispatched entry.
	Log string `json:"log,omitempty"`
}

func (o Outcome) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Artifact) == "" {
		errs = append(errs, errors.New("artifact is required"))
	}
	if strings.ContainsAny(o.Artifact, `/\`) {
		errs = append(errs, fmt.Errorf("artifact %q must not contain path separators", o.Artifact))
	}
	if strings.TrimSpace(o.State) == "" {
		errs = append(errs, errors.New("state is required"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassGraph covers manifest, graph and configuration problems.
	FailureClassGraph FailureClass = "graph"
	// FailureClassSource covers sources that could not be read or verified.
	FailureClassSource   FailureClass = "source"
	FailureClassDispatch FailureClass = "dispatch"
	FailureClassCanceled FailureClass = "canceled"
	FailureClassSystem   FailureClass = "system"
)

// Failure is the recorded reason a run did not succeed.
type Failure struct {
	Class        FailureClass `json:"failure_class"`
	Artifact     *string      `json:"artifact,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Retryable reports whether running the same plan again can succeed
	// without changing inputs.
	Retryable bool `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.Class {
	case FailureClassGraph, FailureClassSource, FailureClassDispatch, FailureClassCanceled, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.Class))
	}
	if f.Artifact != nil && strings.TrimSpace(*f.Artifact) == "" {
		errs = append(errs, errors.New("artifact must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
