package stages

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/geo"
)

var boundaryRef = core.InputRef{Stage: Basins, Key: KeyBoundary}

// vectorCRS returns the CRS recorded for a vector source: the one it
// carries, else the configured vector CRS, else the project CRS.
func vectorCRS(s *geo.Set, cfg *config.Config) string {
	switch {
	case s.CRS != "":
		return s.CRS
	case cfg.Sources.VectorCRS != "":
		return cfg.Sources.VectorCRS
	default:
		return cfg.CRS
	}
}

// readVector loads a vector source and brings it into the project CRS.
func readVector(path string, cfg *config.Config, proj Projector) (*geo.Set, error) {
	s, err := geo.ReadVector(path, cfg.Sources.VectorCRS)
	if err != nil {
		return nil, core.External("vector", "read "+path, err)
	}
	s.CRS = vectorCRS(s, cfg)
	if cfg.CRS == "" || s.CRS == cfg.CRS {
		return s, nil
	}
	if proj == nil {
		return nil, fmt.Errorf("%s is in %s, not %s, and no projector is configured", path, s.CRS, cfg.CRS)
	}
	if err := proj.Reproject(s, cfg.CRS); err != nil {
		return nil, fmt.Errorf("reprojecting %s: %w", path, err)
	}
	return s, nil
}

// writeVector writes s as a shapefile whose .prj holds WKT.
func writeVector(path string, s *geo.Set, kind geo.ShapeKind, fields []geo.Field, proj Projector) error {
	if s.CRS != "" {
		if proj == nil {
			return fmt.Errorf("no projector configured to describe %s", s.CRS)
		}
		wkt, err := proj.WKT(s.CRS)
		if err != nil {
			return err
		}
		s.CRS = wkt
	}
	return geo.WriteShapefile(path, s, kind, fields)
}

func readBoundary(sc *core.StageContext) (*geo.Region, error) {
	p, err := sc.Input(boundaryRef)
	if err != nil {
		return nil, err
	}
	s, err := geo.ReadShapefile(p)
	if err != nil {
		return nil, err
	}
	return geo.RegionFromSet(s)
}

type basinsStage struct {
	base
	cfg  *config.Config
	proj Projector
}

func newBasins(cfg *config.Config, proj Projector) *basinsStage {
	return &basinsStage{
		base: base{
			name:    Basins,
			sources: []string{cfg.Sources.Boundary},
			outputs: []core.Artifact{
				{Key: KeyBoundary, Path: cfg.Layout.Boundary, Kind: core.KindVector, Description: "watershed boundary polygons"},
			},
			params: map[string]string{"vector_crs": cfg.Sources.VectorCRS, "crs": cfg.CRS},
		},
		cfg:  cfg,
		proj: proj,
	}
}

// Run keeps the polygon features of the boundary source.
func (s *basinsStage) Run(ctx context.Context, sc *core.StageContext) error {
	src, err := readVector(s.cfg.Sources.Boundary, s.cfg, s.proj)
	if err != nil {
		return err
	}
	polys := &geo.Set{CRS: src.CRS}
	for _, f := range src.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
			polys.Features = append(polys.Features, f)
		}
	}
	if len(polys.Features) == 0 {
		return fmt.Errorf("boundary source %s holds no polygons", s.cfg.Sources.Boundary)
	}
	out, err := sc.Output(KeyBoundary)
	if err != nil {
		return err
	}
	sc.Logger.Info("writing boundary", "path", out, "features", len(polys.Features), "dropped", len(src.Features)-len(polys.Features))
	return writeVector(out, polys, geo.ShapePolygon, geo.InferFields(polys), s.proj)
}

type streamsStage struct {
	base
	cfg  *config.Config
	proj Projector
}

func newStreams(cfg *config.Config, proj Projector) *streamsStage {
	return &streamsStage{
		base: base{
			name:    Streams,
			inputs:  []core.InputRef{boundaryRef},
			sources: []string{cfg.Sources.Streams},
			outputs: []core.Artifact{
				{Key: KeyStreams, Path: cfg.Layout.Streams, Kind: core.KindVector, Description: "stream network polylines"},
			},
			params: map[string]string{"vector_crs": cfg.Sources.VectorCRS, "crs": cfg.CRS},
		},
		cfg:  cfg,
		proj: proj,
	}
}

// Run crops the stream source to the boundary and writes its line parts.
// Single-point geometries are dropped before the writer sees them.
func (s *streamsStage) Run(ctx context.Context, sc *core.StageContext) error {
	region, err := readBoundary(sc)
	if err != nil {
		return err
	}
	src, err := readVector(s.cfg.Sources.Streams, s.cfg, s.proj)
	if err != nil {
		return err
	}
	lines := geo.StreamLines(geo.Crop(src, region))
	out, err := sc.Output(KeyStreams)
	if err != nil {
		return err
	}
	sc.Logger.Info("writing streams", "path", out, "source_features", len(src.Features), "lines", len(lines.Features))
	return writeVector(out, lines, geo.ShapeLine, geo.InferFields(lines), s.proj)
}

type outletsStage struct {
	base
	cfg  *config.Config
	proj Projector
	opts geo.OutletOptions
}

func newOutlets(cfg *config.Config, proj Projector) *outletsStage {
	opts := geo.OutletOptions{
		CodeField: cfg.Outlets.CodeField,
		Codes:     cfg.Outlets.Codes,
		Tolerance: *cfg.Outlets.Tolerance,
	}
	codes := opts.Codes
	if len(codes) == 0 {
		codes = geo.DefaultOutletCodes
	}
	return &outletsStage{
		base: base{
			name:    Outlets,
			inputs:  []core.InputRef{{Stage: Streams, Key: KeyStreams}},
			sources: []string{cfg.Sources.Gauges},
			outputs: []core.Artifact{
				{Key: KeyOutlets, Path: cfg.Layout.Outlets, Kind: core.KindVector, Description: "outlet points snapped to streams"},
			},
			params: map[string]string{
				"code_field": opts.CodeField,
				"codes":      sortedJoin(codes),
				"tolerance":  ftoa(opts.Tolerance),
				"vector_crs": cfg.Sources.VectorCRS,
				"crs":        cfg.CRS,
			},
		},
		cfg:  cfg,
		proj: proj,
		opts: opts,
	}
}

func (s *outletsStage) Run(ctx context.Context, sc *core.StageContext) error {
	sp, err := sc.Input(core.InputRef{Stage: Streams, Key: KeyStreams})
	if err != nil {
		return err
	}
	streams, err := geo.ReadShapefile(sp)
	if err != nil {
		return err
	}
	points, err := readVector(s.cfg.Sources.Gauges, s.cfg, s.proj)
	if err != nil {
		return err
	}
	outlets, rep, err := geo.Outlets(points, streams, s.opts)
	if err != nil {
		return err
	}
	out, err := sc.Output(KeyOutlets)
	if err != nil {
		return err
	}
	sc.Logger.Info("writing outlets", "path", out,
		"candidates", rep.Candidates, "selected", rep.Selected, "dropped", rep.Dropped)
	return writeVector(out, outlets, geo.ShapePoint, geo.IntFields(geo.OutletFields...), s.proj)
}
