// Package state persists run records and failure records under the
// project's state directory.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the persistent record of one pipeline invocation.
type Run struct {
	RunID     string     `json:"run_id"`
	GraphHash string     `json:"graph_hash"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	CacheMode string     `json:"cache_mode"`
	Status    RunStatus  `json:"status"`
	// PreviousRunID links to the most recent run before this one, if any.
	PreviousRunID *string `json:"previous_run_id"`
	// Stages maps stage name to its final state once the run has ended.
	Stages   map[string]string `json:"stages,omitempty"`
	Executed []string          `json:"executed,omitempty"`
	Cached   []string          `json:"cached,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("a running run has no end_time"))
		}
	case RunSucceeded, RunFailed:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("a %s run needs end_time", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassMissingArtifact  FailureClass = "missing_artifact"
	FailureClassUnmappedClass    FailureClass = "unmapped_class"
	FailureClassFormatConstraint FailureClass = "format_constraint"
	FailureClassExternal         FailureClass = "external"
	FailureClassGraph            FailureClass = "graph"
	FailureClassCanceled         FailureClass = "canceled"
	FailureClassSystem           FailureClass = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	// Resumable reports whether a rerun reuses the stages that completed.
	Resumable bool `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassMissingArtifact, FailureClassUnmappedClass, FailureClassFormatConstraint,
		FailureClassExternal, FailureClassGraph, FailureClassCanceled, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
