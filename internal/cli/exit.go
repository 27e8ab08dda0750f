package cli

import (
	"errors"
	"fmt"

	"vorpal/internal/config"
	"vorpal/internal/core"
	"vorpal/internal/dag"
	"vorpal/internal/manifest"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// ExitError attaches a process exit code to an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func invalidInvocationf(format string, args ...any) error {
	return &ExitError{Code: ExitInvalidInvocation, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error to the process exit code:
//
//	0 success
//	1 resolution or build failure
//	2 invalid invocation
//	3 configuration, manifest or graph error
//	4 anything else
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) && ee.Code != 0 {
		return ee.Code
	}

	switch {
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, manifest.ErrInvalid),
		errors.Is(err, dag.ErrInvalidGraph),
		errors.Is(err, core.ErrInvalidArtifact),
		errors.Is(err, core.ErrCyclicDependency),
		errors.Is(err, core.ErrUnsupportedSystem):
		return ExitConfigError
	case errors.Is(err, core.ErrDispatch),
		errors.Is(err, core.ErrHashMismatch),
		errors.Is(err, core.ErrEmptyInput),
		errors.Is(err, core.ErrSourceNotFound),
		errors.Is(err, core.ErrInvalidPath),
		errors.Is(err, core.ErrStoreWrite):
		return ExitBuildFailure
	}
	var ae *core.ArtifactError
	if errors.As(err, &ae) {
		return ExitBuildFailure
	}
	return ExitInternalError
}
