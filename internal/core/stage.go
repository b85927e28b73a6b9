package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Stage is a Conversion Step: it reads upstream artifacts, applies one
// transform and writes exactly the artifacts it declares.
//
// Given the same inputs, sources and params a stage must write the same
// output content.
type Stage interface {
	Name() string

	// Inputs lists the upstream artifacts this stage reads.
	Inputs() []InputRef

	// Sources lists external files (absolute paths) that feed the stage but
	// are not registry artifacts, e.g. raw downloads or reference tables.
	Sources() []string

	// Outputs lists every artifact the stage writes and declares.
	Outputs() []Artifact

	// Params returns the configuration that shapes the output.
	// It contributes to the stage fingerprint.
	Params() map[string]string

	Run(ctx context.Context, sc *StageContext) error
}

// StageContext is what the driver hands to a running stage.
//
// Inputs were validated against the metadata registry and the filesystem
// before the stage is started.
type StageContext struct {
	Root   string
	Stage  string
	Logger *slog.Logger

	inputs  map[InputRef]string
	outputs map[string]Artifact
}

// NewStageContext builds a context with resolved input paths.
func NewStageContext(root string, st Stage, inputs map[InputRef]string, logger *slog.Logger) *StageContext {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	outs := make(map[string]Artifact, len(st.Outputs()))
	for _, a := range st.Outputs() {
		outs[a.Key] = a
	}
	in := make(map[InputRef]string, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &StageContext{
		Root:    root,
		Stage:   st.Name(),
		Logger:  logger.With("stage", st.Name()),
		inputs:  in,
		outputs: outs,
	}
}

// Input returns the absolute path of a validated upstream artifact.
func (sc *StageContext) Input(ref InputRef) (string, error) {
	p, ok := sc.inputs[ref]
	if !ok {
		return "", &MissingArtifactError{Stage: ref.Stage, Key: ref.Key}
	}
	return p, nil
}

// Output returns the absolute path of a declared output and makes sure its
// parent directory exists.
func (sc *StageContext) Output(key string) (string, error) {
	a, ok := sc.outputs[key]
	if !ok {
		return "", fmt.Errorf("stage %q does not declare output %q", sc.Stage, key)
	}
	abs := Resolve(sc.Root, a.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("creating parent of %s: %w", a.Path, err)
	}
	return abs, nil
}
