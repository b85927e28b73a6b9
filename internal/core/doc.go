// Package core provides the domain models shared by every preparation stage.
//
// # Core Types
//
// Artifact: a declared output of a stage, addressed by a symbolic key and a
// path relative to the project root.
//
// InputRef: a reference from a stage to an artifact declared by an upstream
// stage.
//
// Stage: a named unit of work that reads upstream artifacts and writes its
// declared outputs.
//
// The package also owns the cache check (NeedsRun), input fingerprints used by
// the opt-in fingerprint cache mode, and the error taxonomy every stage reports
// through.
package core
