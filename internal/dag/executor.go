package dag

import (
	"context"
	"fmt"

	"hydroprep/internal/core"
	"hydroprep/internal/trace"
)

// StageRunner decides whether a stage is current and runs it when it is not.
type StageRunner interface {
	// Probe reports whether the stage's outputs can be reused. A cached
	// stage is not run and nothing is re-declared for it.
	Probe(ctx context.Context, st core.Stage) (result *NodeResult, cached bool, err error)

	Run(ctx context.Context, st core.Stage) (*NodeResult, error)
}

// Executor runs a StageGraph one stage at a time.
type Executor struct {
	Graph  *StageGraph
	Runner StageRunner
	// Trace receives one event per stage decision. Optional.
	Trace trace.Sink

	state ExecutionState
}

// NewExecutor creates an executor with every stage PENDING.
func NewExecutor(g *StageGraph, runner StageRunner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = StagePending
	}
	return &Executor{Graph: g, Runner: runner, state: state}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// RunSerial executes the graph in (depth, name) order.
//
// The first stage error aborts the run: the failed stage's dependents and
// every other pending stage become SKIPPED. The returned GraphResult is
// always non-nil; the error is a *StageError naming the stage.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := &GraphResult{GraphHash: e.Graph.Hash()}
	finish := func(err error) (*GraphResult, error) {
		res.FinalState = e.StateSnapshot()
		return res, err
	}

	for {
		ready := ReadyStages(e.Graph, e.state)
		if len(ready) == 0 {
			for name, st := range e.state {
				if !IsTerminal(st) {
					return finish(fmt.Errorf("no ready stages but %q is %s", name, st))
				}
			}
			return finish(nil)
		}

		if err := ctx.Err(); err != nil {
			for _, name := range AbortPending(e.Graph, e.state) {
				e.record(trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: trace.ReasonRunAborted})
			}
			return finish(fmt.Errorf("run cancelled: %w", err))
		}

		next := ready[0]
		st := e.Graph.nodesByName[next].Stage

		probe, cached, err := e.Runner.Probe(ctx, st)
		if err == nil && cached {
			if err := Transition(e.state, next, StagePending, StageCached); err != nil {
				return finish(err)
			}
			res.Cached = append(res.Cached, next)
			e.record(trace.Event{Kind: trace.EventStageCached, Stage: next, Reason: reasonOf(probe)})
			continue
		}

		if terr := Transition(e.state, next, StagePending, StageRunning); terr != nil {
			return finish(terr)
		}
		var runRes *NodeResult
		if err == nil {
			res.ExecutionOrder = append(res.ExecutionOrder, next)
			runRes, err = e.Runner.Run(ctx, st)
		} else {
			err = fmt.Errorf("checking outputs: %w", err)
		}
		if err != nil {
			return finish(e.fail(res, next, err))
		}

		if err := Transition(e.state, next, StageRunning, StageCompleted); err != nil {
			return finish(err)
		}
		ev := trace.Event{Kind: trace.EventStageExecuted, Stage: next, Reason: reasonOf(probe)}
		if runRes != nil {
			ev.Artifacts = runRes.Declared
		}
		e.record(ev)
	}
}

func (e *Executor) fail(res *GraphResult, stage string, cause error) error {
	res.FailedStage = stage
	e.record(trace.Event{Kind: trace.EventStageFailed, Stage: stage})

	skipped, err := FailAndPropagate(e.Graph, e.state, stage)
	if err != nil {
		return err
	}
	for _, name := range skipped {
		e.record(trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: trace.ReasonUpstreamFailed, Cause: stage})
	}
	for _, name := range AbortPending(e.Graph, e.state) {
		e.record(trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: trace.ReasonRunAborted, Cause: stage})
	}
	return &StageError{Stage: stage, Err: cause}
}

func (e *Executor) record(ev trace.Event) {
	trace.SafeRecord(e.Trace, ev)
}

func reasonOf(r *NodeResult) string {
	if r == nil {
		return ""
	}
	return r.Reason
}
