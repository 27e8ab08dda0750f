// Package wire holds the messages exchanged with build workers.
//
// Field names and JSON keys are part of the worker contract. Resolved
// artifacts only ever reference each other by ArtifactID.
package wire

// ArtifactID identifies a resolved artifact.
type ArtifactID struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// ArtifactSource is a resolved source. Hash is the digest of the filtered
// content, which the worker uses to locate the source archive.
type ArtifactSource struct {
	Name     string   `json:"name"`
	Hash     string   `json:"hash,omitempty"`
	Excludes []string `json:"excludes"`
	Includes []string `json:"includes"`
	Path     string   `json:"path"`
}

type Secret struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// ArtifactStep is one build stage. Environments are "KEY=VALUE" entries
// sorted by key; Artifacts are "$VORPAL_ARTIFACT_<hash>" references.
type ArtifactStep struct {
	Entrypoint   string   `json:"entrypoint,omitempty"`
	Script       string   `json:"script,omitempty"`
	Arguments    []string `json:"arguments"`
	Environments []string `json:"environments"`
	Artifacts    []string `json:"artifacts"`
	Secrets      []Secret `json:"secrets"`
}

type Artifact struct {
	Name      string           `json:"name"`
	Sources   []ArtifactSource `json:"sources"`
	Steps     []ArtifactStep   `json:"steps"`
	Systems   []string         `json:"systems"`
	Artifacts []ArtifactID     `json:"artifacts"`
	Target    string           `json:"target"`
}

// BuildRequest asks a worker to build one artifact. ID is unique per
// request and only used for correlation.
type BuildRequest struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

// BuildResponse is one message of the build stream. Workers send any
// number of log messages followed by exactly one message carrying either
// Output or Error.
type BuildResponse struct {
	LogOutput []byte      `json:"log_output,omitempty"`
	Output    *ArtifactID `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
}
