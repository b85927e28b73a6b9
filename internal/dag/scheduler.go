package dag

import "sort"

// ReadyStages returns the stages eligible to run, ordered by
// (topological depth, name).
//
// A stage is ready iff it is PENDING and every upstream stage is COMPLETED or
// CACHED. The function does not mutate graph or state.
func ReadyStages(g *StageGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	var ready []string
	for _, node := range g.nodes {
		if state[node.Name] != StagePending {
			continue
		}
		ok := true
		for _, p := range g.incoming[node.canonicalIndex] {
			if !IsSuccessful(state[g.nodes[p].Name]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})
	return ready
}
