package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"hydroprep/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// StageGraph is an immutable, validated DAG of stages.
type StageGraph struct {
	nodesByName map[string]*StageNode
	nodes       []*StageNode // canonical order (by name)

	edges []edgeIndex // sorted

	outgoing [][]int
	incoming [][]int
	indeg    []int
	depth    []int

	hash GraphHash
}

// NewStageGraph builds and validates a StageGraph.
//
// Edges are derived from each stage's Inputs. Construction rejects:
//   - empty or duplicate stage names
//   - duplicate output keys within a stage
//   - inputs naming an unknown stage, or a key that stage does not declare
//   - self-references
//   - any cycle
func NewStageGraph(stages []core.Stage) (*StageGraph, error) {
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	nodesByName := make(map[string]*StageNode, len(stages))
	nodes := make([]*StageNode, 0, len(stages))
	declared := make(map[string]map[string]struct{}, len(stages))

	for _, st := range stages {
		if st == nil {
			return nil, invalidf("nil stage")
		}
		name := st.Name()
		if name == "" {
			return nil, invalidf("stage name is required")
		}
		if _, exists := nodesByName[name]; exists {
			return nil, invalidf("duplicate stage name: %q", name)
		}
		keys := make(map[string]struct{}, len(st.Outputs()))
		for _, a := range st.Outputs() {
			if err := a.Validate(); err != nil {
				return nil, invalidf("stage %q: %v", name, err)
			}
			if _, dup := keys[a.Key]; dup {
				return nil, invalidf("stage %q declares output %q twice", name, a.Key)
			}
			keys[a.Key] = struct{}{}
		}
		declared[name] = keys
		node := &StageNode{Name: name, Stage: st}
		nodesByName[name] = node
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	seen := make(map[edgeIndex]struct{})
	var mapped []edgeIndex
	for _, n := range nodes {
		for _, ref := range n.Stage.Inputs() {
			from, ok := nodesByName[ref.Stage]
			if !ok {
				return nil, unresolvedf("stage %q reads %s but no stage %q exists", n.Name, ref, ref.Stage)
			}
			if from == n {
				return nil, invalidf("stage %q reads its own output %s", n.Name, ref)
			}
			if _, ok := declared[ref.Stage][ref.Key]; !ok {
				return nil, unresolvedf("stage %q reads %s but %q declares no key %q", n.Name, ref, ref.Stage, ref.Key)
			}
			pair := edgeIndex{from: from.canonicalIndex, to: n.canonicalIndex}
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &StageGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity of the graph.
func (g *StageGraph) Hash() GraphHash { return g.hash }

// Node returns a node by stage name.
func (g *StageGraph) Node(name string) (*StageNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *StageGraph) Nodes() []*StageNode {
	out := make([]*StageNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges as (From, To) name pairs.
func (g *StageGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Upstream returns the names of the stages name reads from, sorted.
func (g *StageGraph) Upstream(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[n.canonicalIndex]))
	for _, p := range g.incoming[n.canonicalIndex] {
		out = append(out, g.nodes[p].Name)
	}
	return out
}

// Depth returns the length of the longest path from any root to name.
func (g *StageGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *StageGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

// TopologicalOrder returns stage names ordered by (depth, name).
//
// This is the order the serial executor runs stages in when nothing fails.
func (g *StageGraph) TopologicalOrder() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name
	}
	sort.SliceStable(names, func(i, j int) bool {
		di, dj := g.depth[g.nodesByName[names[i]].canonicalIndex], g.depth[g.nodesByName[names[j]].canonicalIndex]
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}

func (g *StageGraph) computeGraphHash() GraphHash {
	h := sha256.New()
	writeCount(h, len(g.nodes))
	for _, n := range g.nodes {
		writeField(h, []byte(n.Name))

		params := n.Stage.Params()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeCount(h, len(keys))
		for _, k := range keys {
			writeField(h, []byte(k))
			writeField(h, []byte(params[k]))
		}

		outs := n.Stage.Outputs()
		writeCount(h, len(outs))
		for _, a := range outs {
			writeField(h, []byte(a.Key))
			writeField(h, []byte(a.Path))
			writeField(h, []byte(a.Kind))
		}
	}
	writeCount(h, len(g.edges))
	for _, e := range g.edges {
		writeCount(h, e.from)
		writeCount(h, e.to)
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	writeField(h, b[:])
}
