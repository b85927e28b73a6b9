package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid stage graph")
	ErrCycleFound   = errors.New("cycle detected")
)

// ErrUnresolvedInput marks an input ref that no stage in the graph declares.
var ErrUnresolvedInput = errors.New("unresolved stage input")

// GraphError wraps graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func unresolvedf(format string, args ...any) error {
	return &GraphError{Kind: ErrUnresolvedInput, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path, reads []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	if len(reads) > 0 {
		msg += " (" + strings.Join(reads, ", ") + ")"
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}

// StageError attributes a run-aborting error to the stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
