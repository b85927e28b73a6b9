package dag

// NodeResult is the outcome of probing or running one stage.
type NodeResult struct {
	// Reason is a trace reason code explaining the decision.
	Reason string
	// Declared lists the root-relative paths the stage declared after a run.
	Declared []string
}

// GraphResult summarizes one execution attempt.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each stage.
	FinalState ExecutionState

	// ExecutionOrder lists the stages that actually ran, in order.
	ExecutionOrder []string

	// Cached lists the stages skipped because their outputs were current.
	Cached []string

	// FailedStage names the stage whose error aborted the run, if any.
	FailedStage string
}

// Succeeded reports whether every stage completed or was cached.
func (r *GraphResult) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}
