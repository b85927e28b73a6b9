// Package dag models the preparation pipeline as a directed acyclic graph of
// stages.
//
// It is split into:
//   - Immutable graph definition (StageGraph): stages plus the dependency
//     edges derived from their declared input refs, with a stable GraphHash
//   - Mutable execution state (ExecutionState): per-stage runtime status
//
// Edges are never written by hand: a stage depends on every stage whose
// artifacts it lists in Inputs.
package dag
