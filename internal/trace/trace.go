// Package trace records what a build decided for each artifact, in a form
// that does not depend on timing or worker scheduling.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"vorpal/internal/core"
)

// BuildTrace is the canonical record of one build of a plan.
//
// It holds logical decisions only: no timestamps, log text or error
// strings. Two builds of the same plan that make the same decisions have
// byte-identical CanonicalJSON regardless of parallelism.
type BuildTrace struct {
	PlanHash string  `json:"planHash"`
	Events   []Event `json:"events"`
}

// EventKind discriminates Event. The string values are part of the
// canonical bytes.
type EventKind string

const (
	EventCached  EventKind = "ArtifactCached"
	EventPulled  EventKind = "ArtifactPulled"
	EventBuilt   EventKind = "ArtifactBuilt"
	EventFailed  EventKind = "ArtifactFailed"
	EventSkipped EventKind = "ArtifactSkipped"
)

// Skip reasons.
const (
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonAborted        = "Aborted"
)

// Event is one decision about one artifact.
type Event struct {
	Kind EventKind `json:"kind"`

	// Artifact is the "<name>-<hash>" id the event refers to.
	Artifact string `json:"artifact"`

	Reason string `json:"reason,omitempty"`

	// Cause is the failing artifact behind a skip.
	Cause string `json:"cause,omitempty"`

	// Output is the id a worker reported, when it differs from Artifact.
	Output string `json:"output,omitempty"`
}

// Validate checks that the trace is complete enough to be hashed.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PlanHash == "" {
		return errors.New("planHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Artifact == "" {
			return fmt.Errorf("events[%d].artifact is required", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (artifact, kind order, reason, cause, output).
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Artifact != b.Artifact {
			return a.Artifact < b.Artifact
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return a.Output < b.Output
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventCached:
		return 10
	case EventPulled:
		return 20
	case EventBuilt:
		return 30
	case EventFailed:
		return 40
	case EventSkipped:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical encoding of a sorted copy of t.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	cp := BuildTrace{PlanHash: t.PlanHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash returns the hex SHA-256 of CanonicalJSON.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return core.HashString(string(b)), nil
}
