package dag

import (
	"container/heap"
	"sort"

	"hydroprep/internal/core"
)

// validateAcyclic fails with a cycle error naming the stages on one cycle
// and the input refs that close it.
func (g *StageGraph) validateAcyclic() error {
	order := g.topoOrderIndices()
	if len(order) == len(g.nodes) {
		return nil
	}
	placed := make([]bool, len(g.nodes))
	for _, i := range order {
		placed[i] = true
	}
	return g.cycleError(g.cycleAmong(placed))
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices is Kahn's algorithm with ties broken by stage name. On a
// cyclic graph it returns only the stages that can be ordered.
func (g *StageGraph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			if indeg[m]--; indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycleAmong returns one cycle through the stages Kahn could not place, as a
// closed path in reading order. Every unplaced stage reads from at least one
// other unplaced stage, so walking upstream from the first of them must
// revisit a stage.
func (g *StageGraph) cycleAmong(placed []bool) []int {
	start := -1
	for i, ok := range placed {
		if !ok {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	at := map[int]int{}
	var walk []int
	for cur := start; ; {
		if i, seen := at[cur]; seen {
			walk = append(walk[i:], cur)
			break
		}
		at[cur] = len(walk)
		walk = append(walk, cur)
		next := -1
		for _, p := range g.incoming[cur] {
			if !placed[p] {
				next = p
				break
			}
		}
		if next < 0 {
			return nil
		}
		cur = next
	}
	for i, j := 0, len(walk)-1; i < j; i, j = i+1, j-1 {
		walk[i], walk[j] = walk[j], walk[i]
	}
	return walk
}

func (g *StageGraph) cycleError(path []int) error {
	if len(path) == 0 {
		return cycleError(nil, nil)
	}
	names := make([]string, len(path))
	for i, n := range path {
		names[i] = g.nodes[n].Name
	}
	var reads []string
	for i := 1; i < len(path); i++ {
		from, to := g.nodes[path[i-1]], g.nodes[path[i]]
		for _, ref := range refsBetween(from.Name, to.Stage) {
			reads = append(reads, to.Name+" reads "+ref.String())
		}
	}
	return cycleError(names, reads)
}

// refsBetween lists the inputs of st that come from stage, sorted by key.
func refsBetween(stage string, st core.Stage) []core.InputRef {
	var out []core.InputRef
	for _, ref := range st.Inputs() {
		if ref.Stage == stage {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
