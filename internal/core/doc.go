// Package core provides the domain model and the leaf algorithms for
// content-addressed artifact builds.
//
// # Design Principles
//
// All structures in this package adhere to the following constraints:
//
//  1. No implied fields that could affect determinism (e.g., timestamps)
//  2. Every digest is computed over an explicitly ordered byte stream
//  3. Recipes are plain values; identity only exists once a digest is known
//
// # Core Types
//
// Artifact: a named build recipe (sources, steps, systems, dependencies).
// ArtifactSource: a filtered file tree whose content contributes to identity.
// ArtifactStep: one executable stage of an artifact build.
// ArtifactID: the resolved (name, hash) pair, the only cross-artifact reference.
//
// # Leaf Algorithms
//
// FileCollector walks a source tree and returns a sorted, filtered path list.
// Hasher turns that list into a single combined digest.
package core
