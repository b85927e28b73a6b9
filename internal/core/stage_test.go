package core

import "context"

type fakeStage struct {
	outputs []Artifact
}

func (fakeStage) Name() string                              { return "fake" }
func (fakeStage) Inputs() []InputRef                        { return nil }
func (fakeStage) Sources() []string                         { return nil }
func (s fakeStage) Outputs() []Artifact                     { return s.outputs }
func (fakeStage) Params() map[string]string                 { return nil }
func (fakeStage) Run(context.Context, *StageContext) error { return nil }
