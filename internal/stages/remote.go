package stages

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/fetch"
	"hydroprep/internal/lookup"
	"hydroprep/internal/project"
	"hydroprep/internal/refdb"
)

type projectStage struct {
	base
	archive string
	opts    project.Options
}

func newProject(cfg *config.Config) *projectStage {
	opts := project.Options{Token: cfg.Template.Token, Name: cfg.Name}
	return &projectStage{
		base: base{
			name:    Project,
			sources: []string{cfg.Template.Archive},
			outputs: []core.Artifact{
				{Key: KeyProjectDir, Path: cfg.Layout.ProjectDir, Kind: core.KindDirectory, Description: "plugin project directory"},
				{Key: KeyProjectPackage, Path: path.Join(cfg.Layout.ProjectDir, cfg.Name+".qgz"), Kind: core.KindProject, Description: "plugin project package"},
			},
			params: map[string]string{"token": opts.Token, "name": opts.Name},
		},
		archive: cfg.Template.Archive,
		opts:    opts,
	}
}

func (s *projectStage) Run(ctx context.Context, sc *core.StageContext) error {
	dir, err := sc.Output(KeyProjectDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pkg, err := sc.Output(KeyProjectPackage)
	if err != nil {
		return err
	}
	sc.Logger.Info("building project package", "path", pkg, "template", s.archive)
	return project.Build(s.archive, pkg, s.opts)
}

type metStage struct {
	base
	client   *fetch.Client
	stations []fetch.Source
}

func newMet(cfg *config.Config, hc *http.Client) *metStage {
	srcs := make([]fetch.Source, 0, len(cfg.Met.Stations))
	params := map[string]string{}
	for _, st := range cfg.Met.Stations {
		srcs = append(srcs, fetch.Source{Name: st.Name, URL: st.URL, SHA256: st.SHA256})
		params["station."+st.Name] = st.URL + "#" + strings.ToLower(st.SHA256)
	}
	return &metStage{
		base: base{
			name: Met,
			outputs: []core.Artifact{
				{Key: KeyMetDir, Path: cfg.Layout.MetDir, Kind: core.KindDirectory, Description: "meteorological station files"},
			},
			params: params,
		},
		client:   &fetch.Client{HTTP: hc},
		stations: srcs,
	}
}

// Run downloads every station; a single failure leaves no directory.
func (s *metStage) Run(ctx context.Context, sc *core.StageContext) error {
	dir, err := sc.Output(KeyMetDir)
	if err != nil {
		return err
	}
	c := *s.client
	c.Logger = sc.Logger
	return c.Directory(ctx, dir, s.stations)
}

type refdbStage struct {
	base
	open   OpenDB
	driver string
	dsn    string
}

func newRefDB(cfg *config.Config, open OpenDB) *refdbStage {
	return &refdbStage{
		base: base{
			name: RefDB,
			inputs: []core.InputRef{
				{Stage: LanduseLookup, Key: KeyLanduseLookup},
				{Stage: SoilLookup, Key: KeySoilLookup},
			},
			outputs: []core.Artifact{
				{Key: KeyRefDBAudit, Path: cfg.Layout.RefDBAudit, Kind: core.KindTable, Description: "reference database rows appended by hydroprep"},
			},
			params: map[string]string{"driver": cfg.RefDB.Driver},
		},
		open:   open,
		driver: cfg.RefDB.Driver,
		dsn:    cfg.RefDB.DSN,
	}
}

// Run clones missing land-use labels into crop and missing soil labels into
// usersoil, all in one transaction, then writes the audit that Revert reads.
func (s *refdbStage) Run(ctx context.Context, sc *core.StageContext) error {
	landuse, err := s.readInput(sc, core.InputRef{Stage: LanduseLookup, Key: KeyLanduseLookup})
	if err != nil {
		return err
	}
	soil, err := s.readInput(sc, core.InputRef{Stage: SoilLookup, Key: KeySoilLookup})
	if err != nil {
		return err
	}

	db, err := s.open(ctx, s.driver, s.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	m := refdb.NewMigrator(db, sc.Logger)
	var plans []*refdb.Plan
	for _, job := range []struct {
		table refdb.TableSpec
		rows  []lookup.Row
	}{
		{refdb.CropTable, landuse.Rows},
		{refdb.UsersoilTable, soil.Rows},
	} {
		p, err := m.Plan(ctx, job.table, job.rows)
		if err != nil {
			return fmt.Errorf("planning %s: %w", job.table.Name, err)
		}
		sc.Logger.Info("planned migration", "table", p.Table.Name, "before", p.Before, "append", len(p.Append))
		plans = append(plans, p)
	}
	audit, err := m.Apply(ctx, plans)
	if err != nil {
		return err
	}
	out, err := sc.Output(KeyRefDBAudit)
	if err != nil {
		return err
	}
	return refdb.WriteAudit(out, audit)
}

func (s *refdbStage) readInput(sc *core.StageContext, ref core.InputRef) (*lookup.Table, error) {
	p, err := sc.Input(ref)
	if err != nil {
		return nil, err
	}
	return lookup.Read(p)
}
