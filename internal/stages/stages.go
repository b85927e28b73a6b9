// Package stages holds the concrete conversion steps of a hydroprep project.
//
// Each stage reads raw sources or upstream artifacts, applies one transform
// and writes the artifacts it declares. Stage and key names appear in
// metadata tables and are part of the on-disk layout.
package stages

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/geo"
	"hydroprep/internal/raster"
	"hydroprep/internal/refdb"
)

// Stage names.
const (
	Project       = "project"
	Basins        = "basins"
	DEM           = "dem"
	Landuse       = "landuse"
	Soils         = "soils"
	LanduseLookup = "landuse_lookup"
	SoilLookup    = "soil_lookup"
	Streams       = "streams"
	Outlets       = "outlets"
	Met           = "met"
	RefDB         = "refdb"
)

// Artifact keys.
const (
	KeyProjectDir     = "project_dir"
	KeyProjectPackage = "project_package"
	KeyBoundary       = "boundary"
	KeyDEM            = "dem"
	KeyLanduse        = "landuse"
	KeySoils          = "soils"
	KeyLanduseLookup  = "landuse_lookup"
	KeySoilLookup     = "soil_lookup"
	KeyStreams        = "streams"
	KeyOutlets        = "outlets"
	KeyMetDir         = "met_dir"
	KeyRefDBAudit     = "refdb_audit"
)

// RasterIO reads and writes grids. gdalio.IO is the production value.
type RasterIO interface {
	// Read loads band 1 of path, warped into targetCRS when it is set and
	// differs from the source. Cells the warp leaves uncovered carry nodata.
	Read(path, targetCRS string, nodata float64) (*raster.Grid, error)
	Write(path string, g *raster.Grid) error
}

// Projector moves vector sets between coordinate reference systems.
// gdalio.IO is the production value.
type Projector interface {
	// Reproject transforms s into targetCRS and relabels it. A set already
	// in targetCRS is only relabelled.
	Reproject(s *geo.Set, targetCRS string) error
	// WKT expands an authority code such as EPSG:32617 into the WKT a
	// shapefile .prj carries.
	WKT(crs string) (string, error)
}

// OpenDB connects to the reference database.
type OpenDB func(ctx context.Context, driver, dsn string) (*sql.DB, error)

// Deps are the external collaborators stages need.
type Deps struct {
	Raster RasterIO
	// Projector reprojects vector sources into the project CRS.
	Projector Projector
	// HTTP is used by the met stage. Nil means http.DefaultClient.
	HTTP *http.Client
	// OpenDB defaults to refdb.Open.
	OpenDB OpenDB
}

// FromConfig returns every stage enabled by cfg. The project, met and refdb
// stages are only present when their config sections are set.
func FromConfig(cfg *config.Config, deps Deps) []core.Stage {
	if deps.OpenDB == nil {
		deps.OpenDB = refdb.Open
	}
	out := []core.Stage{
		newBasins(cfg, deps.Projector),
		newRaster(cfg, deps.Raster, DEM, KeyDEM, cfg.Sources.DEM, cfg.Layout.DEM, "elevation"),
		newRaster(cfg, deps.Raster, Landuse, KeyLanduse, cfg.Sources.Landuse, cfg.Layout.Landuse, "land-use classes"),
		newRaster(cfg, deps.Raster, Soils, KeySoils, cfg.Sources.Soils, cfg.Layout.Soils, "soil classes"),
		newLookup(cfg, deps.Raster, LanduseLookup, KeyLanduseLookup, core.InputRef{Stage: Landuse, Key: KeyLanduse}, cfg.Lookups.Landuse, cfg.Layout.LanduseLookup),
		newLookup(cfg, deps.Raster, SoilLookup, KeySoilLookup, core.InputRef{Stage: Soils, Key: KeySoils}, cfg.Lookups.Soil, cfg.Layout.SoilLookup),
		newStreams(cfg, deps.Projector),
		newOutlets(cfg, deps.Projector),
	}
	if cfg.Template.Archive != "" {
		out = append(out, newProject(cfg))
	}
	if len(cfg.Met.Stations) > 0 {
		out = append(out, newMet(cfg, deps.HTTP))
	}
	if cfg.RefDB.Driver != "" {
		out = append(out, newRefDB(cfg, deps.OpenDB))
	}
	return out
}

// base carries the declarative half of a stage.
type base struct {
	name    string
	inputs  []core.InputRef
	sources []string
	outputs []core.Artifact
	params  map[string]string
}

func (b *base) Name() string { return b.name }
func (b *base) Inputs() []core.InputRef { return b.inputs }
func (b *base) Sources() []string { return b.sources }
func (b *base) Outputs() []core.Artifact { return b.outputs }
func (b *base) Params() map[string]string { return b.params }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func sortedJoin(ss []string) string {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}
