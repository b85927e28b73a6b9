package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/youta-t/flarc"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/refdb"
	"hydroprep/internal/registry"
	"hydroprep/internal/stages"
)

type RevertFlags struct {
	Audit string `flag:"audit" help:"audit CSV to revert; defaults to the project's refdb audit"`
}

func newRevertCommand(a *App) (flarc.Command, error) {
	return flarc.NewCommand(
		"Delete the reference database rows a refdb audit recorded.",
		RevertFlags{},
		flarc.Args{},
		newTask(a, revertTask),
		flarc.WithDescription(`
Removes every row the last refdb migration appended, in one transaction, then
deletes the audit and the refdb metadata table so the next run migrates
again.

Example
-------

	{{ .Command }} --config hydroprep.yaml
`),
	)
}

func revertTask(ctx context.Context, env Env, cl flarc.Commandline[RevertFlags], _ []any) error {
	cfg := env.Config
	if cfg.RefDB.Driver == "" {
		return &config.Error{Path: cfg.File, Err: errors.New("refdb is not configured")}
	}
	auditPath := cl.Flags().Audit
	if auditPath == "" {
		auditPath = core.Resolve(cfg.Root, cfg.Layout.RefDBAudit)
	}

	audit, err := refdb.ReadAudit(auditPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &core.MissingArtifactError{Stage: stages.RefDB, Key: stages.KeyRefDBAudit, Path: auditPath}
		}
		return err
	}

	open := env.Deps.OpenDB
	if open == nil {
		open = refdb.Open
	}
	db, err := open(ctx, cfg.RefDB.Driver, cfg.RefDB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := refdb.NewMigrator(db, env.Logger).Revert(ctx, audit); err != nil {
		return err
	}

	reg, err := registry.New(cfg.Root, cfg.MetadataPath())
	if err != nil {
		return err
	}
	for _, p := range []string{auditPath, reg.TablePath(stages.RefDB)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	fmt.Fprintf(cl.Stdout(), "reverted %d rows\n", len(audit.Entries))
	return nil
}
