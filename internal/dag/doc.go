// Package dag builds, resolves and executes artifact dependency graphs.
//
// The flow is split in three immutable-then-mutable stages:
//   - Graph: recipes reachable from a root, validated for one target system
//     with no I/O, identical recipes collapsed by spec key
//   - Plan: the Graph resolved by a Resolver into content-addressed artifact
//     ids, in dependency order, with a stable hash
//   - Executor: per-build state over a Plan, dispatching what is not cached
package dag
