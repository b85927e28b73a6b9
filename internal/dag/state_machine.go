package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is final for this run.
func IsTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies downstream dependencies.
func IsSuccessful(s StageState) bool {
	return s == StageCompleted || s == StageCached
}

// Transition moves stage from one state to another, rejecting transitions
// the lifecycle does not allow:
//
//	PENDING -> RUNNING | CACHED | SKIPPED
//	RUNNING -> COMPLETED | FAILED
func Transition(state ExecutionState, stage string, from, to StageState) error {
	cur, ok := state[stage]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", stage)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", stage, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", stage, from, to)
	}
	state[stage] = to
	return nil
}

func isAllowedTransition(from, to StageState) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageCached || to == StageSkipped
	case StageRunning:
		return to == StageCompleted || to == StageFailed
	default:
		return false
	}
}

// FailAndPropagate marks stage FAILED and every stage reachable from it
// SKIPPED. It returns the skipped stage names in canonical order.
func FailAndPropagate(g *StageGraph, state ExecutionState, stage string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	switch state[stage] {
	case StageRunning:
		state[stage] = StageFailed
	case StageFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", stage, state[stage])
	}

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true
	hq := &intMinHeap{}
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		switch state[name] {
		case StagePending:
			state[name] = StageSkipped
			skipped = append(skipped, name)
		case StageRunning:
			return nil, fmt.Errorf("invariant violation: downstream stage %q is RUNNING", name)
		}
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}

// AbortPending marks every remaining PENDING stage SKIPPED and returns their
// names in canonical order. A failure aborts the whole run, not only the
// failed branch.
func AbortPending(g *StageGraph, state ExecutionState) []string {
	var out []string
	for _, n := range g.nodes {
		if state[n.Name] == StagePending {
			state[n.Name] = StageSkipped
			out = append(out, n.Name)
		}
	}
	return out
}
