package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrMissingArtifact  = errors.New("missing upstream artifact")
	ErrUnmappedClass    = errors.New("unmapped class code")
	ErrFormatConstraint = errors.New("format constraint violation")
	ErrExternal         = errors.New("external tool failure")
)

// MissingArtifactError reports an input that was never declared, or whose
// declared file is absent. It means stages ran out of order.
type MissingArtifactError struct {
	Stage string
	Key   string
	// Path is set when the key was declared but the file is gone.
	Path string
}

func (e *MissingArtifactError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s/%s declared at %s but not on disk", ErrMissingArtifact, e.Stage, e.Key, e.Path)
	}
	if e.Key == "" {
		return fmt.Sprintf("%s: stage %q has no metadata", ErrMissingArtifact, e.Stage)
	}
	return fmt.Sprintf("%s: %s/%s was never declared", ErrMissingArtifact, e.Stage, e.Key)
}

func (e *MissingArtifactError) Unwrap() error { return ErrMissingArtifact }

// UnmappedClassError lists raster class codes absent from a reference table.
type UnmappedClassError struct {
	Table string
	Codes []int
}

func (e *UnmappedClassError) Error() string {
	if e == nil {
		return ""
	}
	codes := append([]int(nil), e.Codes...)
	sort.Ints(codes)
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return fmt.Sprintf("%s: %s has no rows for codes [%s]", ErrUnmappedClass, e.Table, strings.Join(parts, " "))
}

func (e *UnmappedClassError) Unwrap() error { return ErrUnmappedClass }

// FormatConstraintError reports an attempt to write geometry types the
// output format cannot hold in one file.
type FormatConstraintError struct {
	Path  string
	Types []string
}

func (e *FormatConstraintError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s would mix geometry types %s", ErrFormatConstraint, e.Path, strings.Join(e.Types, ","))
}

func (e *FormatConstraintError) Unwrap() error { return ErrFormatConstraint }

// ExternalError wraps an error reported by a geospatial, database or network
// library. The underlying error is preserved unmodified.
type ExternalError struct {
	Tool string
	Op   string
	Err  error
}

func (e *ExternalError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrExternal, e.Tool, e.Op, e.Err)
}

func (e *ExternalError) Unwrap() []error { return []error{ErrExternal, e.Err} }

// External builds an ExternalError, or returns nil when err is nil.
func External(tool, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalError{Tool: tool, Op: op, Err: err}
}
