package dag

import (
	"sort"

	"vorpal/internal/codec"
	"vorpal/internal/core"
)

// specKeyInput is everything a recipe declares, with dependencies replaced
// by their own spec keys. Equal keys mean equal recipes, so resolution is
// shared between them.
type specKeyInput struct {
	Name      string                `cbor:"name"`
	Systems   []string              `cbor:"systems"`
	Sources   []core.ArtifactSource `cbor:"sources"`
	Steps     []stepKeyInput        `cbor:"steps"`
	Artifacts []string              `cbor:"artifacts"`
}

type stepKeyInput struct {
	Entrypoint   string   `cbor:"entrypoint"`
	Arguments    []string `cbor:"arguments"`
	Script       string   `cbor:"script"`
	Environments []string `cbor:"environments"`
	Secrets      []string `cbor:"secrets"`
	Artifacts    []string `cbor:"artifacts"`
}

// specKey computes a recipe's spec key. depKeys follow a.Dependencies();
// stepKeys[i] follow a.Steps[i].Artifacts.
func specKey(a *core.Artifact, depKeys []string, stepKeys [][]string) (string, error) {
	systems := make([]string, 0, len(a.Systems))
	for _, s := range a.Systems {
		systems = append(systems, s.String())
	}
	sort.Strings(systems)

	in := specKeyInput{
		Name:      a.Name,
		Systems:   systems,
		Sources:   a.Sources,
		Artifacts: depKeys,
	}
	for i, step := range a.Steps {
		in.Steps = append(in.Steps, stepKeyInput{
			Entrypoint:   step.Entrypoint,
			Arguments:    step.Arguments,
			Script:       step.Script,
			Environments: step.EnvironmentList(),
			Secrets:      step.SecretNames(),
			Artifacts:    stepKeys[i],
		})
	}
	return codec.Digest(in)
}

// specDigestInput is the part of an artifact's identity that is not source
// content or dependency identity: what the steps do and for which target.
type specDigestInput struct {
	Name   string            `cbor:"name"`
	Steps  []stepDigestInput `cbor:"steps"`
	Target string            `cbor:"target"`
}

type stepDigestInput struct {
	Entrypoint   string   `cbor:"entrypoint"`
	Arguments    []string `cbor:"arguments"`
	Script       string   `cbor:"script"`
	Environments []string `cbor:"environments"`
	Secrets      []string `cbor:"secrets"`
	Artifacts    []string `cbor:"artifacts"`
}

// specDigest hashes the steps of a recipe for target. stepEnvKeys[i] are the
// "$VORPAL_ARTIFACT_<hash>" references of step i.
func specDigest(a *core.Artifact, target core.System, stepEnvKeys [][]string) (string, error) {
	in := specDigestInput{Name: a.Name, Target: target.String()}
	for i, step := range a.Steps {
		in.Steps = append(in.Steps, stepDigestInput{
			Entrypoint:   step.Entrypoint,
			Arguments:    step.Arguments,
			Script:       step.Script,
			Environments: step.EnvironmentList(),
			Secrets:      step.SecretNames(),
			Artifacts:    stepEnvKeys[i],
		})
	}
	return codec.Digest(in)
}

// artifactDigest folds source digests, dependency hashes and the spec
// digest into the artifact hash. Dependency and spec digests are hashed
// once more before folding so they cannot be confused with source digests.
func artifactDigest(sourceDigests, depHashes []string, spec string) string {
	parts := make([]string, 0, len(sourceDigests)+len(depHashes)+1)
	parts = append(parts, sourceDigests...)
	for _, h := range depHashes {
		parts = append(parts, core.HashDigest(h))
	}
	parts = append(parts, core.HashDigest(spec))
	return core.HashParts(parts...)
}
