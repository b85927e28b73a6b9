package dag

import "hydroprep/internal/core"

// GraphHash is the deterministic identity of a StageGraph.
//
// It covers stage names, params, declared outputs and edges, and is stable
// across the order stages were registered in.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// Edge is a dependency: To reads an artifact declared by From.
type Edge struct {
	From string
	To   string
}

// StageNode is an immutable node of a StageGraph.
type StageNode struct {
	Name           string
	Stage          core.Stage
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical order.
func (n *StageNode) CanonicalIndex() int { return n.canonicalIndex }
