package stages

import (
	"context"
	"fmt"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/lookup"
	"hydroprep/internal/raster"
)

// rasterStage crops and masks one source raster to the watershed boundary.
type rasterStage struct {
	base
	io     RasterIO
	key    string
	source string
	crs    string
	nodata float64
}

func newRaster(cfg *config.Config, io RasterIO, name, key, source, path, what string) *rasterStage {
	return &rasterStage{
		base: base{
			name:    name,
			inputs:  []core.InputRef{boundaryRef},
			sources: []string{source},
			outputs: []core.Artifact{
				{Key: key, Path: path, Kind: core.KindRaster, Description: what + " masked to the watershed"},
			},
			params: map[string]string{"crs": cfg.CRS, "nodata": ftoa(cfg.NoDataValue())},
		},
		io:     io,
		key:    key,
		source: source,
		crs:    cfg.CRS,
		nodata: cfg.NoDataValue(),
	}
}

func (s *rasterStage) Run(ctx context.Context, sc *core.StageContext) error {
	if s.io == nil {
		return fmt.Errorf("no raster backend configured")
	}
	region, err := readBoundary(sc)
	if err != nil {
		return err
	}
	src, err := s.io.Read(s.source, s.crs, s.nodata)
	if err != nil {
		return err
	}
	masked, err := raster.CropMask(src, region, s.nodata)
	if err != nil {
		return fmt.Errorf("masking %s: %w", s.source, err)
	}
	out, err := sc.Output(s.key)
	if err != nil {
		return err
	}
	sc.Logger.Info("writing raster", "path", out, "width", masked.Width, "height", masked.Height)
	return s.io.Write(out, masked)
}

// lookupStage reconciles the class codes of a masked raster against a
// reference table.
type lookupStage struct {
	base
	io     RasterIO
	input  core.InputRef
	key    string
	refCSV string
	nodata float64
}

func newLookup(cfg *config.Config, io RasterIO, name, key string, input core.InputRef, refCSV, path string) *lookupStage {
	return &lookupStage{
		base: base{
			name:    name,
			inputs:  []core.InputRef{input},
			sources: []string{refCSV},
			outputs: []core.Artifact{
				{Key: key, Path: path, Kind: core.KindTable, Description: "class codes present in " + input.Key},
			},
		},
		io:     io,
		input:  input,
		key:    key,
		refCSV: refCSV,
		nodata: cfg.NoDataValue(),
	}
}

// Run fails with an UnmappedClassError when the raster carries a code the
// reference does not list.
func (s *lookupStage) Run(ctx context.Context, sc *core.StageContext) error {
	if s.io == nil {
		return fmt.Errorf("no raster backend configured")
	}
	rp, err := sc.Input(s.input)
	if err != nil {
		return err
	}
	g, err := s.io.Read(rp, "", s.nodata)
	if err != nil {
		return err
	}
	ref, err := lookup.Read(s.refCSV)
	if err != nil {
		return err
	}
	codes := raster.DistinctCodes(g)
	t, err := lookup.Reconcile(s.name, codes, ref)
	if err != nil {
		return err
	}
	out, err := sc.Output(s.key)
	if err != nil {
		return err
	}
	sc.Logger.Info("writing lookup", "path", out, "codes", len(codes), "reference_rows", len(ref.Rows))
	return lookup.Write(out, t)
}
