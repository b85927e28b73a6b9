package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/dag"
	"hydroprep/internal/recovery/state"
	"hydroprep/internal/registry"
	"hydroprep/internal/trace"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	// RunID is empty when every stage was cached and nothing was recorded.
	RunID  string
	Result *dag.GraphResult
	// Failure is set when the run aborted.
	Failure *state.Failure
	Trace   trace.ExecutionTrace
}

// Pipeline is a configured set of stages ready to run.
type Pipeline struct {
	Config *config.Config
	Graph  *dag.StageGraph
	Driver *Driver
	Store  *state.Store
	Logger *slog.Logger
}

// New validates the stage graph and wires the driver, registry and run
// store for cfg.
func New(cfg *config.Config, stages []core.Stage, logger *slog.Logger) (*Pipeline, error) {
	g, err := dag.NewStageGraph(stages)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cfg.Root, cfg.MetadataPath())
	if err != nil {
		return nil, err
	}
	store, err := state.NewStore(cfg.StatePath())
	if err != nil {
		return nil, err
	}
	drv := &Driver{
		Root:     cfg.Root,
		Registry: reg,
		Mode:     cfg.CacheMode(),
		Stamps:   core.NewStampStore(filepath.Join(cfg.StatePath(), "stamps")),
		Logger:   logger,
	}
	return &Pipeline{Config: cfg, Graph: g, Driver: drv, Store: store, Logger: drv.logger()}, nil
}

// Run executes every stage that is not current. The run record is written
// before the first stage executes; the failure record and the canonical
// trace follow when the run ends, even when a stage fails. A run in which
// every stage is cached writes nothing. The returned error is the first
// stage error.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	rec := &state.Recorder{Store: p.Store}
	run := &state.Run{GraphHash: p.Graph.Hash().String(), CacheMode: string(p.Driver.Mode)}
	if err := rec.PrepareRun(run); err != nil {
		return nil, fmt.Errorf("preparing run record: %w", err)
	}
	log := p.Logger.With("run", run.RunID)
	log.Info("run started", "graph", run.GraphHash, "cache", run.CacheMode, "stages", len(p.Graph.Nodes()))

	runner := &startOnRun{StageRunner: p.Driver, start: func() error { return p.Store.SaveRun(*run) }}
	exec, err := dag.NewExecutor(p.Graph, runner)
	if err != nil {
		return nil, err
	}
	tr := trace.NewRecorder()
	exec.Trace = tr

	res, runErr := exec.RunSerial(ctx)
	if runErr == nil && !runner.started {
		log.Info("nothing to do", "cached", len(res.Cached))
		return &Outcome{Result: res, Trace: tr.Trace(run.GraphHash)}, nil
	}
	out := &Outcome{RunID: run.RunID, Result: res, Trace: tr.Trace(run.GraphHash)}

	run.Stages = make(map[string]string, len(res.FinalState))
	for name, st := range res.FinalState {
		run.Stages[name] = string(st)
	}
	run.Executed = res.ExecutionOrder
	run.Cached = res.Cached

	if data, err := out.Trace.CanonicalJSON(); err != nil {
		log.Warn("trace not written", "error", err)
	} else if err := p.Store.SaveTrace(run.RunID, data); err != nil {
		log.Warn("trace not written", "error", err)
	}

	if runErr != nil {
		f, err := rec.RecordFailure(run.RunID, runErr)
		if err != nil {
			log.Error("failure not recorded", "error", err)
		} else {
			out.Failure = &f
		}
		if err := rec.FinishRun(run, state.RunFailed); err != nil {
			log.Error("run record not finalized", "error", err)
		}
		log.Error("run failed", "stage", res.FailedStage, "error", runErr)
		return out, runErr
	}
	if err := rec.FinishRun(run, state.RunSucceeded); err != nil {
		return out, fmt.Errorf("recording run end: %w", err)
	}
	log.Info("run finished", "executed", len(res.ExecutionOrder), "cached", len(res.Cached))
	return out, nil
}

// startOnRun saves the run record before the first stage it runs.
type startOnRun struct {
	dag.StageRunner
	start   func() error
	started bool
}

func (s *startOnRun) Run(ctx context.Context, st core.Stage) (*dag.NodeResult, error) {
	if !s.started {
		if err := s.start(); err != nil {
			return nil, fmt.Errorf("recording run start: %w", err)
		}
		s.started = true
	}
	return s.StageRunner.Run(ctx, st)
}
