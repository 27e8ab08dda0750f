package core

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every typed error below reports its kind through Is, so
// callers can match with errors.Is without knowing the concrete type.
var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrEmptyInput        = errors.New("empty input")
	ErrSourceNotFound    = errors.New("source not found")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnsupportedSystem = errors.New("unsupported system")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrStoreWrite        = errors.New("store write failed")
	ErrDispatch          = errors.New("dispatch failed")
	ErrInvalidArtifact   = errors.New("invalid artifact")
)

// InvalidPathError reports a source root that does not exist or is neither
// a regular file nor a directory.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidPath, e.Path)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidPath, e.Path, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }

// EmptyInputError reports a hash request over zero files.
type EmptyInputError struct {
	What string
}

func (e *EmptyInputError) Error() string {
	if e.What == "" {
		return ErrEmptyInput.Error()
	}
	return fmt.Sprintf("%s: %s", ErrEmptyInput, e.What)
}

func (e *EmptyInputError) Is(target error) bool { return target == ErrEmptyInput }

// SourceNotFoundError reports a collected path that vanished before it was
// read or copied.
type SourceNotFoundError struct {
	Path string
	Err  error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSourceNotFound, e.Path)
}

func (e *SourceNotFoundError) Is(target error) bool { return target == ErrSourceNotFound }
func (e *SourceNotFoundError) Unwrap() error        { return e.Err }

// CyclicDependencyError names one cycle in the artifact graph. Cycle starts
// and ends with the same artifact name.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return ErrCyclicDependency.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// UnsupportedSystemError reports a target system missing from an artifact's
// declared systems.
type UnsupportedSystemError struct {
	Artifact  string
	System    System
	Supported []System
}

func (e *UnsupportedSystemError) Error() string {
	supported := make([]string, 0, len(e.Supported))
	for _, s := range e.Supported {
		supported = append(supported, s.String())
	}
	return fmt.Sprintf("%s: artifact %q does not support %s (supported: [%s])",
		ErrUnsupportedSystem, e.Artifact, e.System, strings.Join(supported, " "))
}

func (e *UnsupportedSystemError) Is(target error) bool { return target == ErrUnsupportedSystem }

// HashMismatchError reports a declared source hash that disagrees with the
// digest recomputed from the fetched content.
type HashMismatchError struct {
	Source   string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: source %q: expected %s, got %s", ErrHashMismatch, e.Source, e.Expected, e.Actual)
}

func (e *HashMismatchError) Is(target error) bool { return target == ErrHashMismatch }

// StoreWriteError wraps a filesystem failure while populating the store.
type StoreWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrStoreWrite, e.Op, e.Path, e.Err)
}

func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWrite }
func (e *StoreWriteError) Unwrap() error        { return e.Err }

// DispatchError wraps a worker or network failure. Log holds whatever log
// output was received before the failure.
type DispatchError struct {
	Artifact string
	Log      []byte
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Artifact == "" {
		return fmt.Sprintf("%s: %v", ErrDispatch, e.Err)
	}
	return fmt.Sprintf("%s: artifact %q: %v", ErrDispatch, e.Artifact, e.Err)
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }
func (e *DispatchError) Unwrap() error        { return e.Err }

// ArtifactError attributes a failure to the artifact being resolved or built.
type ArtifactError struct {
	Name string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %q: %v", e.Name, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

func invalidArtifactf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArtifact, fmt.Sprintf(format, args...))
}
