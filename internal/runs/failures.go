package runs

import (
	"context"
	"errors"

	"vorpal/internal/config"
	"vorpal/internal/core"
	"vorpal/internal/dag"
	"vorpal/internal/manifest"
)

type classification struct {
	target    error
	class     FailureClass
	code      string
	retryable bool
}

// Checked in order; the first match wins. Cancellation comes first because
// a canceled dispatch also matches core.ErrDispatch.
var classifications = []classification{
	{context.Canceled, FailureClassCanceled, "Canceled", true},
	{context.DeadlineExceeded, FailureClassCanceled, "DeadlineExceeded", true},
	{config.ErrInvalid, FailureClassGraph, "InvalidConfig", false},
	{manifest.ErrInvalid, FailureClassGraph, "InvalidManifest", false},
	{core.ErrCyclicDependency, FailureClassGraph, "CyclicDependency", false},
	{core.ErrUnsupportedSystem, FailureClassGraph, "UnsupportedSystem", false},
	{core.ErrInvalidArtifact, FailureClassGraph, "InvalidArtifact", false},
	{dag.ErrInvalidGraph, FailureClassGraph, "InvalidGraph", false},
	{core.ErrHashMismatch, FailureClassSource, "HashMismatch", false},
	{core.ErrEmptyInput, FailureClassSource, "EmptyInput", false},
	{core.ErrSourceNotFound, FailureClassSource, "SourceNotFound", false},
	{core.ErrInvalidPath, FailureClassSource, "InvalidPath", false},
	{core.ErrDispatch, FailureClassDispatch, "DispatchFailed", true},
	{core.ErrStoreWrite, FailureClassSystem, "StoreWrite", true},
}

// Classify maps a build error onto the failure taxonomy. The artifact is
// taken from the outermost ArtifactError. Unknown errors are system
// failures and considered retryable.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	f := Failure{
		Class:        FailureClassSystem,
		ErrorCode:    "Unknown",
		ErrorMessage: err.Error(),
		Retryable:    true,
	}
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			f.Class, f.ErrorCode, f.Retryable = c.class, c.code, c.retryable
			break
		}
	}

	var ae *core.ArtifactError
	if errors.As(err, &ae) && ae.Name != "" {
		name := ae.Name
		f.Artifact = &name
	}
	return f, nil
}
