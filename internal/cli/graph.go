package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/youta-t/flarc"

	"hydroprep/internal/dag"
)

type GraphFlags struct {
	Dot bool `flag:"dot" help:"print the graph in dot format (graphviz)"`
}

func newGraphCommand(a *App) (flarc.Command, error) {
	return flarc.NewCommand(
		"Print the stage graph.",
		GraphFlags{},
		flarc.Args{},
		newTask(a, graphTask),
		flarc.WithDescription(`
Lists the enabled stages in execution order with their depth and the stages
they read from, followed by the graph hash recorded in run records.

Example
-------

	{{ .Command }} --config hydroprep.yaml --dot | dot -Tsvg > stages.svg
`),
	)
}

func graphTask(ctx context.Context, env Env, cl flarc.Commandline[GraphFlags], _ []any) error {
	g, err := dag.NewStageGraph(env.Stages)
	if err != nil {
		return err
	}
	if cl.Flags().Dot {
		return writeDot(cl.Stdout(), g)
	}

	w := tabwriter.NewWriter(cl.Stdout(), 0, 4, 2, ' ', 0)
	for _, name := range g.TopologicalOrder() {
		depth, _ := g.Depth(name)
		up := strings.Join(g.Upstream(name), ",")
		if up == "" {
			up = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, depth, up)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cl.Stdout(), "graph %s\n", g.Hash())
	return nil
}

func writeDot(w io.Writer, g *dag.StageGraph) error {
	var b strings.Builder
	b.WriteString("digraph hydroprep {\n")
	for _, name := range g.TopologicalOrder() {
		fmt.Fprintf(&b, "\t%q;\n", name)
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(&b, "\t%q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
