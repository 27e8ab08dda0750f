package core

import (
	"sort"
	"strings"
)

// ArtifactID is the resolved identity of an artifact. It is the only value
// ever referenced across artifact boundaries and is immutable once produced.
type ArtifactID struct {
	Name string `json:"name" yaml:"name"`
	Hash string `json:"hash" yaml:"hash"`
}

// String returns the store key "<name>-<hash>".
func (id ArtifactID) String() string { return id.Name + "-" + id.Hash }

// IsZero reports whether the id is unset.
func (id ArtifactID) IsZero() bool { return id.Name == "" && id.Hash == "" }

// EnvKey returns the environment reference a step uses to locate the output
// of the artifact with the given hash.
func EnvKey(hash string) string {
	return "$VORPAL_ARTIFACT_" + hash
}

// ArtifactSource is a filtered file tree whose content contributes to an
// artifact's identity.
type ArtifactSource struct {
	Name string `json:"name" yaml:"name"`

	// URI is a local path (absolute, relative to the manifest, or file://)
	// or an http(s) URL of an archive or single file.
	URI string `json:"uri" yaml:"uri"`

	// Hash, when set, must equal the digest recomputed from the fetched,
	// filtered content.
	Hash string `json:"hash,omitempty" yaml:"hash,omitempty"`

	// Includes and Excludes are substring-containment patterns applied to
	// root-relative paths. Order is preserved but does not affect matching.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// StripPrefix drops the single top-level directory of a fetched archive.
	StripPrefix bool `json:"strip_prefix,omitempty" yaml:"strip_prefix,omitempty"`
}

// Secret is a named secret reference. Only the name contributes to identity.
type Secret struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// ArtifactStep is one executable stage. A step never mutates its inputs; it
// only writes to its own output directory.
type ArtifactStep struct {
	Entrypoint   string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Arguments    []string          `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Script       string            `json:"script,omitempty" yaml:"script,omitempty"`
	Environments map[string]string `json:"environments,omitempty" yaml:"environments,omitempty"`
	Secrets      []Secret          `json:"secrets,omitempty" yaml:"secrets,omitempty"`

	// Artifacts are the artifacts whose outputs this step consumes. They
	// are dependencies of the owning artifact.
	Artifacts []*Artifact `json:"-" yaml:"-"`
}

// EnvironmentList returns the environment as "KEY=VALUE" entries sorted by key.
func (s ArtifactStep) EnvironmentList() []string {
	keys := make([]string, 0, len(s.Environments))
	for k := range s.Environments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Environments[k])
	}
	return out
}

// SecretNames returns the distinct secret names in sorted order.
func (s ArtifactStep) SecretNames() []string {
	seen := make(map[string]struct{}, len(s.Secrets))
	out := make([]string, 0, len(s.Secrets))
	for _, sec := range s.Secrets {
		if _, ok := seen[sec.Name]; ok {
			continue
		}
		seen[sec.Name] = struct{}{}
		out = append(out, sec.Name)
	}
	sort.Strings(out)
	return out
}

// Artifact is a build recipe. It has no identity beyond Name until its
// digest is computed over its fully resolved inputs.
type Artifact struct {
	Name    string
	Sources []ArtifactSource
	Steps   []ArtifactStep
	Systems []System

	// Artifacts are dependency recipes, resolved before this artifact.
	Artifacts []*Artifact
}

// SupportsSystem reports whether s is one of the declared systems.
func (a *Artifact) SupportsSystem(s System) bool {
	for _, sys := range a.Systems {
		if sys == s {
			return true
		}
	}
	return false
}

// Dependencies returns the declared dependencies followed by any artifacts
// referenced only from steps, in declaration order and without duplicates.
func (a *Artifact) Dependencies() []*Artifact {
	seen := make(map[*Artifact]struct{})
	var out []*Artifact
	add := func(d *Artifact) {
		if d == nil {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, d := range a.Artifacts {
		add(d)
	}
	for _, step := range a.Steps {
		for _, d := range step.Artifacts {
			add(d)
		}
	}
	return out
}

// Validate checks the recipe's own fields. Dependencies are not visited.
func (a *Artifact) Validate() error {
	if a == nil {
		return invalidArtifactf("nil artifact")
	}
	if strings.TrimSpace(a.Name) == "" {
		return invalidArtifactf("name is required")
	}
	if strings.ContainsAny(a.Name, "/\\") {
		return invalidArtifactf("name %q must not contain path separators", a.Name)
	}
	if len(a.Systems) == 0 {
		return invalidArtifactf("artifact %q declares no systems", a.Name)
	}
	for _, sys := range a.Systems {
		if !sys.Valid() {
			return invalidArtifactf("artifact %q declares invalid system %s", a.Name, sys)
		}
	}

	names := make(map[string]struct{}, len(a.Sources))
	for i, src := range a.Sources {
		if strings.TrimSpace(src.Name) == "" {
			return invalidArtifactf("artifact %q: sources[%d].name is required", a.Name, i)
		}
		if strings.ContainsAny(src.Name, "/\\") {
			return invalidArtifactf("artifact %q: source name %q must not contain path separators", a.Name, src.Name)
		}
		if strings.TrimSpace(src.URI) == "" {
			return invalidArtifactf("artifact %q: source %q: uri is required", a.Name, src.Name)
		}
		if _, dup := names[src.Name]; dup {
			return invalidArtifactf("artifact %q: duplicate source name %q", a.Name, src.Name)
		}
		names[src.Name] = struct{}{}
	}

	for i, step := range a.Steps {
		if step.Entrypoint == "" && step.Script == "" {
			return invalidArtifactf("artifact %q: steps[%d] needs an entrypoint or a script", a.Name, i)
		}
		for k := range step.Environments {
			if k == "" || strings.Contains(k, "=") {
				return invalidArtifactf("artifact %q: steps[%d]: invalid environment key %q", a.Name, i, k)
			}
		}
		for j, sec := range step.Secrets {
			if sec.Name == "" {
				return invalidArtifactf("artifact %q: steps[%d].secrets[%d].name is required", a.Name, i, j)
			}
		}
	}
	return nil
}

// ArtifactConfig is the plain configuration accepted by NewArtifact. Every
// field except Name and Systems is optional.
type ArtifactConfig struct {
	Name      string
	Sources   []ArtifactSource
	Steps     []ArtifactStep
	Systems   []System
	Artifacts []*Artifact
}

// NewArtifact copies cfg into a new recipe and validates it. Later changes
// to cfg's slices do not affect the returned artifact.
func NewArtifact(cfg ArtifactConfig) (*Artifact, error) {
	a := &Artifact{
		Name:      cfg.Name,
		Sources:   make([]ArtifactSource, len(cfg.Sources)),
		Steps:     make([]ArtifactStep, len(cfg.Steps)),
		Systems:   dedupeSystems(cfg.Systems),
		Artifacts: append([]*Artifact(nil), cfg.Artifacts...),
	}
	for i, src := range cfg.Sources {
		src.Includes = append([]string(nil), src.Includes...)
		src.Excludes = append([]string(nil), src.Excludes...)
		a.Sources[i] = src
	}
	for i, step := range cfg.Steps {
		a.Steps[i] = copyStep(step)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func copyStep(step ArtifactStep) ArtifactStep {
	out := ArtifactStep{
		Entrypoint: step.Entrypoint,
		Arguments:  append([]string(nil), step.Arguments...),
		Script:     step.Script,
		Artifacts:  append([]*Artifact(nil), step.Artifacts...),
	}
	if len(step.Environments) > 0 {
		out.Environments = make(map[string]string, len(step.Environments))
		for k, v := range step.Environments {
			out.Environments[k] = v
		}
	}
	seen := make(map[string]struct{}, len(step.Secrets))
	for _, sec := range step.Secrets {
		if _, ok := seen[sec.Name]; ok {
			continue
		}
		seen[sec.Name] = struct{}{}
		out.Secrets = append(out.Secrets, sec)
	}
	return out
}

func dedupeSystems(in []System) []System {
	seen := make(map[System]struct{}, len(in))
	out := make([]System, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
