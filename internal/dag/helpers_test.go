package dag

import (
	"context"

	"hydroprep/internal/core"
)

type testStage struct {
	name   string
	inputs []core.InputRef
	keys   []string
	params map[string]string
}

func (s testStage) Name() string              { return s.name }
func (s testStage) Inputs() []core.InputRef   { return s.inputs }
func (s testStage) Sources() []string         { return nil }
func (s testStage) Params() map[string]string { return s.params }
func (s testStage) Run(context.Context, *core.StageContext) error {
	return nil
}

func (s testStage) Outputs() []core.Artifact {
	keys := s.keys
	if keys == nil {
		keys = []string{s.name}
	}
	out := make([]core.Artifact, len(keys))
	for i, k := range keys {
		out[i] = core.Artifact{Key: k, Path: "data/" + k, Kind: core.KindTable}
	}
	return out
}

// stage builds a test stage whose single output key equals its name and
// which reads the sole output of each named upstream.
func stage(name string, upstream ...string) core.Stage {
	refs := make([]core.InputRef, len(upstream))
	for i, u := range upstream {
		refs[i] = core.InputRef{Stage: u, Key: u}
	}
	return testStage{name: name, inputs: refs}
}
