// Package pipeline drives conversion stages: it decides which stages are
// current, runs the rest in dependency order and records every run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"hydroprep/internal/core"
	"hydroprep/internal/dag"
	"hydroprep/internal/registry"
	"hydroprep/internal/trace"
)

// Driver implements dag.StageRunner over the metadata registry and the
// artifact cache check.
type Driver struct {
	Root     string
	Registry *registry.Registry
	Mode     core.CacheMode
	// Stamps is required in fingerprint mode.
	Stamps *core.StampStore
	Logger *slog.Logger
}

var _ dag.StageRunner = (*Driver)(nil)

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func outputPaths(st core.Stage) []string {
	outs := st.Outputs()
	paths := make([]string, 0, len(outs))
	for _, a := range outs {
		paths = append(paths, a.Path)
	}
	return paths
}

// Probe reports a stage as cached when every declared output exists and, in
// fingerprint mode, its stored stamp matches the current inputs.
func (d *Driver) Probe(ctx context.Context, st core.Stage) (*dag.NodeResult, bool, error) {
	log := d.logger().With("stage", st.Name())
	needs, err := core.NeedsRun(d.Root, outputPaths(st))
	if err != nil {
		return nil, false, err
	}
	if needs {
		log.Debug("outputs missing", "decision", "run")
		return &dag.NodeResult{Reason: trace.ReasonOutputsMissing}, false, nil
	}
	if d.Mode != core.CacheFingerprint {
		log.Info("outputs present", "decision", "skip")
		return &dag.NodeResult{Reason: trace.ReasonOutputsPresent}, true, nil
	}

	fp, err := d.fingerprint(st)
	if err != nil {
		return nil, false, err
	}
	stamp, ok, err := d.Stamps.Get(st.Name())
	if err != nil {
		return nil, false, err
	}
	if !ok || stamp.Fingerprint != fp {
		log.Info("inputs changed", "decision", "run", "fingerprint", fp.String())
		return &dag.NodeResult{Reason: trace.ReasonFingerprintChanged}, false, nil
	}
	log.Info("outputs current", "decision", "skip", "fingerprint", fp.String())
	return &dag.NodeResult{Reason: trace.ReasonOutputsPresent}, true, nil
}

// Run validates the stage's inputs through the registry, runs it, checks
// that it wrote every declared output and re-declares them.
func (d *Driver) Run(ctx context.Context, st core.Stage) (*dag.NodeResult, error) {
	log := d.logger()
	inputs, err := d.resolveInputs(st)
	if err != nil {
		return nil, err
	}

	var fp core.Fingerprint
	if d.Mode == core.CacheFingerprint {
		if fp, err = d.fingerprint(st); err != nil {
			return nil, err
		}
	}

	sc := core.NewStageContext(d.Root, st, inputs, log)
	sc.Logger.Info("running")
	if err := st.Run(ctx, sc); err != nil {
		return nil, err
	}

	paths := outputPaths(st)
	for _, p := range paths {
		missing, err := core.NeedsRun(d.Root, []string{p})
		if err != nil {
			return nil, err
		}
		if missing {
			return nil, fmt.Errorf("stage %s finished without writing %s", st.Name(), p)
		}
	}
	if err := d.Registry.Declare(st.Name(), st.Outputs()); err != nil {
		return nil, err
	}
	if d.Mode == core.CacheFingerprint {
		if err := d.Stamps.Put(core.Stamp{Stage: st.Name(), Fingerprint: fp, Outputs: paths}); err != nil {
			return nil, err
		}
	}
	sc.Logger.Info("declared outputs", "count", len(paths))
	return &dag.NodeResult{Declared: paths}, nil
}

func (d *Driver) resolveInputs(st core.Stage) (map[core.InputRef]string, error) {
	inputs := make(map[core.InputRef]string, len(st.Inputs()))
	for _, ref := range st.Inputs() {
		abs, err := d.Registry.Require(ref)
		if err != nil {
			return nil, err
		}
		inputs[ref] = abs
	}
	return inputs, nil
}

func (d *Driver) fingerprint(st core.Stage) (core.Fingerprint, error) {
	if d.Stamps == nil {
		return "", fmt.Errorf("fingerprint cache mode needs a stamp store")
	}
	inputs, err := d.resolveInputs(st)
	if err != nil {
		return "", err
	}
	return core.ComputeFingerprint(core.FingerprintInput{
		Stage:   st.Name(),
		Params:  st.Params(),
		Inputs:  inputs,
		Sources: st.Sources(),
	})
}
