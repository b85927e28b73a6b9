package state

import (
	"context"
	"errors"

	"hydroprep/internal/core"
	"hydroprep/internal/dag"
)

// Error codes written to failure.json. They are stable; do not rename.
const (
	CodeMissingArtifact  = "MissingUpstreamArtifact"
	CodeUnmappedClass    = "UnmappedClassCode"
	CodeFormatConstraint = "FormatConstraintViolation"
	CodeExternal         = "ExternalToolFailure"
	CodeCycle            = "CycleDetected"
	CodeUnresolvedInput  = "UnresolvedInput"
	CodeInvalidGraph     = "InvalidGraph"
	CodeCanceled         = "Canceled"
	CodeUnknown          = "UnknownError"
)

// Classify maps err onto the failure taxonomy. The failing stage is taken
// from a wrapped *dag.StageError.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{ErrorMessage: err.Error(), Resumable: true}

	var se *dag.StageError
	if errors.As(err, &se) && se != nil && se.Stage != "" {
		stage := se.Stage
		f.Stage = &stage
	}

	var ge *dag.GraphError
	switch {
	case errors.As(err, &ge):
		f.FailureClass = FailureClassGraph
		f.Resumable = false
		switch {
		case errors.Is(err, dag.ErrCycleFound):
			f.ErrorCode = CodeCycle
		case errors.Is(err, dag.ErrUnresolvedInput):
			f.ErrorCode = CodeUnresolvedInput
		default:
			f.ErrorCode = CodeInvalidGraph
		}
	case errors.Is(err, core.ErrMissingArtifact):
		f.FailureClass, f.ErrorCode = FailureClassMissingArtifact, CodeMissingArtifact
	case errors.Is(err, core.ErrUnmappedClass):
		f.FailureClass, f.ErrorCode = FailureClassUnmappedClass, CodeUnmappedClass
	case errors.Is(err, core.ErrFormatConstraint):
		f.FailureClass, f.ErrorCode = FailureClassFormatConstraint, CodeFormatConstraint
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode = FailureClassCanceled, CodeCanceled
	case errors.Is(err, core.ErrExternal):
		f.FailureClass, f.ErrorCode = FailureClassExternal, CodeExternal
	default:
		f.FailureClass, f.ErrorCode = FailureClassSystem, CodeUnknown
	}
	return f, nil
}
