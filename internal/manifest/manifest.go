// Package manifest loads artifact definitions from YAML or JSON files.
//
// A manifest lists artifacts by name; dependencies (both artifact-level and
// step-level) refer to other entries by name and are linked into recipe
// pointers on load. Reference cycles are accepted here and rejected later by
// the graph builder, which can name the whole cycle.
//
//	default: app
//	artifacts:
//	  - name: app
//	    systems: [x86_64-linux, aarch64-darwin]
//	    sources:
//	      - name: src
//	        uri: ./src
//	        excludes: [.git]
//	    steps:
//	      - script: make install
//	        artifacts: [toolchain]
//	    artifacts: [lib]
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vorpal/internal/core"
)

// ErrInvalid marks a manifest that failed to parse or link.
var ErrInvalid = errors.New("invalid manifest")

type fileManifest struct {
	Default   string         `json:"default" yaml:"default"`
	Artifacts []fileArtifact `json:"artifacts" yaml:"artifacts"`
}

type fileArtifact struct {
	Name      string                `json:"name" yaml:"name"`
	Systems   []string              `json:"systems" yaml:"systems"`
	Sources   []core.ArtifactSource `json:"sources" yaml:"sources"`
	Steps     []fileStep            `json:"steps" yaml:"steps"`
	Artifacts []string              `json:"artifacts" yaml:"artifacts"`
}

type fileStep struct {
	Entrypoint   string            `json:"entrypoint" yaml:"entrypoint"`
	Arguments    []string          `json:"arguments" yaml:"arguments"`
	Script       string            `json:"script" yaml:"script"`
	Environments map[string]string `json:"environments" yaml:"environments"`
	Secrets      []core.Secret     `json:"secrets" yaml:"secrets"`
	Artifacts    []string          `json:"artifacts" yaml:"artifacts"`
}

// Manifest is a loaded, linked set of recipes.
type Manifest struct {
	// Dir is the directory relative source URIs resolve against.
	Dir string

	// Default names the artifact built when none is requested.
	Default string

	byName map[string]*core.Artifact
	order  []string
}

// Artifact returns the recipe named name.
func (m *Manifest) Artifact(name string) (*core.Artifact, bool) {
	a, ok := m.byName[name]
	return a, ok
}

// Names returns artifact names in file order.
func (m *Manifest) Names() []string {
	return append([]string(nil), m.order...)
}

// Root returns the named artifact, or the default when name is empty.
func (m *Manifest) Root(name string) (*core.Artifact, error) {
	if name == "" {
		name = m.Default
	}
	if name == "" {
		if len(m.order) != 1 {
			return nil, fmt.Errorf("%w: no artifact requested and no default set", ErrInvalid)
		}
		name = m.order[0]
	}
	a, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown artifact %q", ErrInvalid, name)
	}
	return a, nil
}

// Load reads the manifest at path. Files ending in .json are parsed as JSON,
// everything else as YAML. Unknown fields are rejected in both formats.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var fm fileManifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = decodeJSON(b, &fm)
	} else {
		err = decodeYAML(b, &fm)
	}
	if err != nil {
		return nil, err
	}
	return build(fm, filepath.Dir(abs))
}

// Parse decodes a YAML (or JSON, which YAML accepts) manifest from r.
// Relative source URIs resolve against dir.
func Parse(r io.Reader, dir string) (*Manifest, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var fm fileManifest
	if err := decodeYAML(b, &fm); err != nil {
		return nil, err
	}
	return build(fm, dir)
}

func decodeJSON(b []byte, fm *fileManifest) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(fm); err != nil {
		return fmt.Errorf("%w: parse json: %v", ErrInvalid, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%w: parse json: trailing data", ErrInvalid)
		}
		return fmt.Errorf("%w: parse json: %v", ErrInvalid, err)
	}
	return nil
}

func decodeYAML(b []byte, fm *fileManifest) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(fm); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty manifest", ErrInvalid)
		}
		return fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	return nil
}

func build(fm fileManifest, dir string) (*Manifest, error) {
	if len(fm.Artifacts) == 0 {
		return nil, fmt.Errorf("%w: no artifacts", ErrInvalid)
	}

	m := &Manifest{
		Dir:     dir,
		Default: fm.Default,
		byName:  make(map[string]*core.Artifact, len(fm.Artifacts)),
	}

	// First pass: construct every recipe so references can point anywhere,
	// including forward and into cycles.
	for i, fa := range fm.Artifacts {
		systems := make([]core.System, 0, len(fa.Systems))
		for _, raw := range fa.Systems {
			sys, err := core.ParseSystem(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: artifacts[%d] %q: %v", ErrInvalid, i, fa.Name, err)
			}
			systems = append(systems, sys)
		}
		steps := make([]core.ArtifactStep, 0, len(fa.Steps))
		for _, fs := range fa.Steps {
			steps = append(steps, core.ArtifactStep{
				Entrypoint:   fs.Entrypoint,
				Arguments:    fs.Arguments,
				Script:       fs.Script,
				Environments: fs.Environments,
				Secrets:      fs.Secrets,
			})
		}
		a, err := core.NewArtifact(core.ArtifactConfig{
			Name:    fa.Name,
			Sources: fa.Sources,
			Steps:   steps,
			Systems: systems,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: artifacts[%d]: %v", ErrInvalid, i, err)
		}
		if _, dup := m.byName[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate artifact name %q", ErrInvalid, a.Name)
		}
		m.byName[a.Name] = a
		m.order = append(m.order, a.Name)
	}

	resolve := func(owner string, names []string) ([]*core.Artifact, error) {
		out := make([]*core.Artifact, 0, len(names))
		for _, n := range names {
			dep, ok := m.byName[n]
			if !ok {
				return nil, fmt.Errorf("%w: artifact %q references unknown artifact %q", ErrInvalid, owner, n)
			}
			out = append(out, dep)
		}
		return out, nil
	}

	for _, fa := range fm.Artifacts {
		a := m.byName[fa.Name]
		deps, err := resolve(fa.Name, fa.Artifacts)
		if err != nil {
			return nil, err
		}
		a.Artifacts = deps
		for j, fs := range fa.Steps {
			stepDeps, err := resolve(fa.Name, fs.Artifacts)
			if err != nil {
				return nil, err
			}
			a.Steps[j].Artifacts = stepDeps
		}
	}

	if m.Default != "" {
		if _, ok := m.byName[m.Default]; !ok {
			return nil, fmt.Errorf("%w: default artifact %q is not defined", ErrInvalid, m.Default)
		}
	}
	return m, nil
}
