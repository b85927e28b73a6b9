package cli

import (
	"context"
	"fmt"

	"github.com/youta-t/flarc"

	"hydroprep/internal/core"
	"hydroprep/internal/registry"
)

const (
	ARG_STAGE = "STAGE"
	ARG_KEY   = "KEY"
)

type LookupFlags struct {
	Relative bool `flag:"relative" alias:"r" help:"print the root-relative path instead of the absolute one"`
}

func newLookupCommand(a *App) (flarc.Command, error) {
	return flarc.NewCommand(
		"Print the path a stage declared for an artifact key.",
		LookupFlags{},
		flarc.Args{
			{Name: ARG_STAGE, Required: true, Help: "name of the stage that declared the artifact"},
			{Name: ARG_KEY, Required: true, Help: "artifact key"},
		},
		newTask(a, lookupTask),
		flarc.WithDescription(`
Reads the stage's metadata table and prints the declared path. Fails when the
stage has not run or did not declare the key.

Example
-------

	{{ .Command }} --config hydroprep.yaml streams streams
`),
	)
}

func lookupTask(ctx context.Context, env Env, cl flarc.Commandline[LookupFlags], _ []any) error {
	args := cl.Args()
	stage, key := first(args[ARG_STAGE]), first(args[ARG_KEY])
	if stage == "" || key == "" {
		return fmt.Errorf("%w: %s and %s are required", flarc.ErrUsage, ARG_STAGE, ARG_KEY)
	}

	reg, err := registry.New(env.Config.Root, env.Config.MetadataPath())
	if err != nil {
		return err
	}
	rel, err := reg.Lookup(stage, key)
	if err != nil {
		return err
	}
	if cl.Flags().Relative {
		fmt.Fprintln(cl.Stdout(), rel)
		return nil
	}
	fmt.Fprintln(cl.Stdout(), core.Resolve(env.Config.Root, rel))
	return nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
