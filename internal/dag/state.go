package dag

// StageState is the runtime state of a stage within one run.
//
// The values appear in run records and logs; do not rename.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"
	StageSkipped   StageState = "SKIPPED"
	StageCached    StageState = "CACHED"
)

// ExecutionState maps stage name to its current state.
type ExecutionState map[string]StageState
