package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/youta-t/flarc"

	"hydroprep/internal/core"
	"hydroprep/internal/pipeline"
)

type RunFlags struct {
	Cache string `flag:"cache" help:"override the configured cache mode (presence|fingerprint)"`
}

func newRunCommand(a *App) (flarc.Command, error) {
	return flarc.NewCommand(
		"Run every stage whose outputs are not current.",
		RunFlags{},
		flarc.Args{},
		newTask(a, runTask),
		flarc.WithDescription(`
Stages run in dependency order. A stage is skipped when all of its declared
outputs exist (presence mode) or when its inputs are unchanged since it last
ran (fingerprint mode). The first failing stage aborts the run; stages that
depend on it are reported as SKIPPED.

Example
-------

	{{ .Command }} --config hydroprep.yaml
	{{ .Command }} --config hydroprep.yaml --cache fingerprint
`),
	)
}

func runTask(ctx context.Context, env Env, cl flarc.Commandline[RunFlags], _ []any) error {
	cfg := env.Config
	if c := cl.Flags().Cache; c != "" {
		if _, err := core.ParseCacheMode(c); err != nil {
			return fmt.Errorf("%w: --cache: %s", flarc.ErrUsage, err)
		}
		cfg.Cache = c
	}

	p, err := pipeline.New(cfg, env.Stages, env.Logger)
	if err != nil {
		return err
	}
	out, runErr := p.Run(ctx)
	if out == nil {
		return runErr
	}

	w := tabwriter.NewWriter(cl.Stdout(), 0, 4, 2, ' ', 0)
	for _, name := range p.Graph.TopologicalOrder() {
		fmt.Fprintf(w, "%s\t%s\n", name, out.Result.FinalState[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if out.RunID == "" {
		fmt.Fprintf(cl.Stdout(), "nothing to do (%d cached)\n", len(out.Result.Cached))
		return nil
	}
	status := "succeeded"
	if runErr != nil {
		status = "failed"
	}
	fmt.Fprintf(cl.Stdout(), "run %s %s (%d executed, %d cached)\n",
		out.RunID, status, len(out.Result.ExecutionOrder), len(out.Result.Cached))
	if out.Failure != nil {
		fmt.Fprintf(cl.Stdout(), "failure: %s %s\n", out.Failure.FailureClass, out.Failure.ErrorCode)
	}
	return runErr
}
