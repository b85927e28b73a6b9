package cli

import (
	"context"
	"errors"

	"github.com/youta-t/flarc"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/dag"
)

const (
	ExitSuccess           = 0
	ExitStageFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// ExitCode maps an error returned by a command onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ge *dag.GraphError
	var se *dag.StageError
	switch {
	case errors.Is(err, flarc.ErrUsage):
		return ExitInvalidInvocation
	case errors.Is(err, config.ErrInvalid), errors.As(err, &ge):
		return ExitConfigError
	case errors.As(err, &se),
		errors.Is(err, core.ErrMissingArtifact),
		errors.Is(err, core.ErrUnmappedClass),
		errors.Is(err, core.ErrFormatConstraint),
		errors.Is(err, core.ErrExternal),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ExitStageFailure
	default:
		return ExitInternalError
	}
}
