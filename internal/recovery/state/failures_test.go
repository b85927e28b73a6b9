package state

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"hydroprep/internal/core"
	"hydroprep/internal/dag"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		class     FailureClass
		code      string
		stage     string
		resumable bool
	}{
		{
			name:  "missing artifact",
			err:   &dag.StageError{Stage: "dem", Err: &core.MissingArtifactError{Stage: "basins", Key: "boundary"}},
			class: FailureClassMissingArtifact, code: CodeMissingArtifact, stage: "dem", resumable: true,
		},
		{
			name:  "unmapped",
			err:   &dag.StageError{Stage: "soil_lookup", Err: fmt.Errorf("reconcile: %w", &core.UnmappedClassError{Table: "soil", Codes: []int{7}})},
			class: FailureClassUnmappedClass, code: CodeUnmappedClass, stage: "soil_lookup", resumable: true,
		},
		{
			name:  "format",
			err:   &core.FormatConstraintError{Path: "x.shp", Types: []string{"Point", "LineString"}},
			class: FailureClassFormatConstraint, code: CodeFormatConstraint, resumable: true,
		},
		{
			name:  "external",
			err:   &dag.StageError{Stage: "met", Err: core.External("http", "GET", errors.New("503"))},
			class: FailureClassExternal, code: CodeExternal, stage: "met", resumable: true,
		},
		{
			name:  "canceled download",
			err:   &dag.StageError{Stage: "met", Err: core.External("http", "GET", context.Canceled)},
			class: FailureClassCanceled, code: CodeCanceled, stage: "met", resumable: true,
		},
		{
			name:  "cycle",
			err:   &dag.GraphError{Kind: dag.ErrCycleFound, Msg: "a -> b -> a"},
			class: FailureClassGraph, code: CodeCycle,
		},
		{
			name:  "unknown",
			err:   errors.New("disk on fire"),
			class: FailureClassSystem, code: CodeUnknown, resumable: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Classify(tc.err)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if f.FailureClass != tc.class || f.ErrorCode != tc.code || f.Resumable != tc.resumable {
				t.Fatalf("got %+v", f)
			}
			gotStage := ""
			if f.Stage != nil {
				gotStage = *f.Stage
			}
			if gotStage != tc.stage {
				t.Fatalf("stage = %q, want %q", gotStage, tc.stage)
			}
			if err := f.Validate(); err != nil {
				t.Fatalf("classified failure is invalid: %v", err)
			}
		})
	}
}

func TestClassify_NilError(t *testing.T) {
	if _, err := Classify(nil); err == nil {
		t.Fatal("expected error")
	}
}
