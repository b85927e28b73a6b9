package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/youta-t/flarc"

	"hydroprep/internal/core"
	"hydroprep/internal/pipeline"
)

func newStatusCommand(a *App) (flarc.Command, error) {
	return flarc.NewCommand(
		"Show which stages are current and how the last run ended.",
		struct{}{},
		flarc.Args{},
		newTask(a, statusTask),
		flarc.WithDescription(`
For each stage in dependency order, prints "current" when the next run would
skip it, "pending" when it would run and "blocked" when an upstream artifact
it reads has not been declared yet. Nothing is written.
`),
	)
}

func statusTask(ctx context.Context, env Env, cl flarc.Commandline[struct{}], _ []any) error {
	p, err := pipeline.New(env.Config, env.Stages, env.Logger)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cl.Stdout(), 0, 4, 2, ' ', 0)
	for _, name := range p.Graph.TopologicalOrder() {
		node, _ := p.Graph.Node(name)
		res, cached, err := p.Driver.Probe(ctx, node.Stage)
		switch {
		case errors.Is(err, core.ErrMissingArtifact):
			fmt.Fprintf(w, "%s\tblocked\t%s\n", name, err)
		case err != nil:
			return fmt.Errorf("probing %s: %w", name, err)
		case cached:
			fmt.Fprintf(w, "%s\tcurrent\t%s\n", name, res.Reason)
		default:
			fmt.Fprintf(w, "%s\tpending\t%s\n", name, res.Reason)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	last, ok, err := p.Store.LatestRun()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cl.Stdout(), "no runs recorded")
		return nil
	}
	fmt.Fprintf(cl.Stdout(), "last run %s %s at %s\n", last.RunID, last.Status, last.StartTime.Format(time.RFC3339))
	if last.GraphHash != p.Graph.Hash().String() {
		fmt.Fprintln(cl.Stdout(), "stage graph changed since the last run")
	}
	if f, err := p.Store.LoadFailure(last.RunID); err == nil {
		stage := "-"
		if f.Stage != nil {
			stage = *f.Stage
		}
		fmt.Fprintf(cl.Stdout(), "failure: %s %s at %s: %s\n", f.FailureClass, f.ErrorCode, stage, f.ErrorMessage)
	}
	return nil
}
