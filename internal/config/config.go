// Package config loads the pipeline configuration.
//
// A single YAML file describes the project root, raw sources, reference
// tables and naming conventions. Relative paths in the file are resolved
// against the file's own directory, so a config never depends on the
// process working directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"hydroprep/internal/core"
)

// ErrInvalid marks every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Error is a configuration problem. It wraps ErrInvalid.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrInvalid, e.Err} }

type Config struct {
	// File is the absolute path the config was loaded from.
	File string `yaml:"-"`

	// Root is the project root every artifact path is relative to.
	Root string `yaml:"root"`
	// Name is the project name; it replaces the template token and names
	// the project directory.
	Name string `yaml:"name"`
	// MetadataDir holds the per-stage metadata tables, relative to Root.
	MetadataDir string `yaml:"metadata_dir"`
	// StateDir holds stamps and run records, relative to Root.
	StateDir string `yaml:"state_dir"`
	// Cache is "presence" (default) or "fingerprint".
	Cache string `yaml:"cache"`
	// CRS is the target coordinate reference system for rasters and the
	// .prj of vector outputs. Empty keeps source CRSs.
	CRS string `yaml:"crs"`
	// NoData is the value written to masked and nodata raster cells and
	// declared in the output GeoTIFF. Defaults to DefaultNoData.
	NoData *float64 `yaml:"nodata"`

	Template Template `yaml:"template"`
	Sources  Sources  `yaml:"sources"`
	Lookups  Lookups  `yaml:"lookups"`
	Outlets  Outlets  `yaml:"outlets"`
	Met      Met      `yaml:"met"`
	RefDB    RefDB    `yaml:"refdb"`
	Layout   Layout   `yaml:"layout"`
	Log      Log      `yaml:"log"`
}

// Template is the plugin project template. The project stage is enabled
// when Archive is set.
type Template struct {
	Archive string `yaml:"archive"`
	Token   string `yaml:"token"`
}

// Sources are raw input files.
type Sources struct {
	Boundary string `yaml:"boundary"`
	DEM      string `yaml:"dem"`
	Landuse  string `yaml:"landuse"`
	Soils    string `yaml:"soils"`
	Streams  string `yaml:"streams"`
	Gauges   string `yaml:"gauges"`
	// VectorCRS is the CRS of GeoJSON sources, which carry none.
	VectorCRS string `yaml:"vector_crs"`
}

// Lookups are the reference tables raster codes are reconciled against.
type Lookups struct {
	Landuse string `yaml:"landuse"`
	Soil    string `yaml:"soil"`
}

type Outlets struct {
	CodeField string   `yaml:"code_field"`
	Codes     []string `yaml:"codes"`
	Tolerance *float64 `yaml:"tolerance"`
}

// Met lists station files to download. The met stage is enabled when
// Stations is non-empty.
type Met struct {
	Stations []Station `yaml:"stations"`
}

type Station struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

// RefDB is the plugin reference database. The refdb stage is enabled when
// Driver is set.
type RefDB struct {
	// Driver is a database/sql driver name: "odbc" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Layout fixes where each artifact is written, relative to Root. Empty
// fields default to a QSWAT-style tree under the project directory.
type Layout struct {
	ProjectDir    string `yaml:"project_dir"`
	Boundary      string `yaml:"boundary"`
	DEM           string `yaml:"dem"`
	Landuse       string `yaml:"landuse"`
	Soils         string `yaml:"soils"`
	LanduseLookup string `yaml:"landuse_lookup"`
	SoilLookup    string `yaml:"soil_lookup"`
	Streams       string `yaml:"streams"`
	Outlets       string `yaml:"outlets"`
	MetDir        string `yaml:"met_dir"`
	RefDBAudit    string `yaml:"refdb_audit"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultNoData is the raster nodata value used when nodata is unset.
const DefaultNoData = -9999.0

// DefaultTolerance is the outlet snap distance in source map units.
const DefaultTolerance = 10.0

// Load reads, defaults, resolves and validates the config at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	c, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	c.File = abs
	return c, nil
}

// Parse decodes YAML and resolves relative paths against baseDir. Unknown
// keys are rejected.
func Parse(data []byte, baseDir string) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, err
	}
	c.applyDefaults()
	c.resolve(baseDir)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.MetadataDir == "" {
		c.MetadataDir = "metadata"
	}
	if c.StateDir == "" {
		c.StateDir = ".hydroprep"
	}
	if c.Cache == "" {
		c.Cache = string(core.CachePresence)
	}
	if c.Template.Token == "" {
		c.Template.Token = "TEMPLATE_PROJECT"
	}
	if c.Outlets.CodeField == "" {
		c.Outlets.CodeField = "TYPE"
	}
	if c.Outlets.Tolerance == nil {
		t := DefaultTolerance
		c.Outlets.Tolerance = &t
	}
	if c.NoData == nil {
		nd := DefaultNoData
		c.NoData = &nd
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	l := &c.Layout
	if l.ProjectDir == "" {
		l.ProjectDir = c.Name
	}
	ws := l.ProjectDir + "/Watershed"
	def := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	def(&l.Boundary, ws+"/Shapes/boundary.shp")
	def(&l.DEM, ws+"/Rasters/DEM/dem.tif")
	def(&l.Landuse, ws+"/Rasters/Landuse/landuse.tif")
	def(&l.Soils, ws+"/Rasters/Soil/soil.tif")
	def(&l.LanduseLookup, ws+"/Tables/landuse_lookup.csv")
	def(&l.SoilLookup, ws+"/Tables/soil_lookup.csv")
	def(&l.Streams, ws+"/Shapes/streams.shp")
	def(&l.Outlets, ws+"/Shapes/outlets.shp")
	def(&l.MetDir, ws+"/Met")
	def(&l.RefDBAudit, ws+"/Tables/refdb_audit.csv")
}

func (c *Config) resolve(baseDir string) {
	abs := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) {
			return
		}
		*p = filepath.Clean(filepath.Join(baseDir, *p))
	}
	abs(&c.Root)
	abs(&c.Template.Archive)
	abs(&c.Sources.Boundary)
	abs(&c.Sources.DEM)
	abs(&c.Sources.Landuse)
	abs(&c.Sources.Soils)
	abs(&c.Sources.Streams)
	abs(&c.Sources.Gauges)
	abs(&c.Lookups.Landuse)
	abs(&c.Lookups.Soil)
	if c.RefDB.Driver == "sqlite" {
		abs(&c.RefDB.DSN)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	} else if strings.ContainsAny(c.Name, `/\`) {
		errs = append(errs, fmt.Errorf("name %q must not contain path separators", c.Name))
	}
	if _, err := core.ParseCacheMode(c.Cache); err != nil {
		errs = append(errs, err)
	}
	required := map[string]string{
		"sources.boundary": c.Sources.Boundary,
		"sources.dem":      c.Sources.DEM,
		"sources.landuse":  c.Sources.Landuse,
		"sources.soils":    c.Sources.Soils,
		"sources.streams":  c.Sources.Streams,
		"sources.gauges":   c.Sources.Gauges,
		"lookups.landuse":  c.Lookups.Landuse,
		"lookups.soil":     c.Lookups.Soil,
	}
	for _, k := range sortedKeys(required) {
		if required[k] == "" {
			errs = append(errs, fmt.Errorf("%s is required", k))
		}
	}
	for _, p := range []struct{ key, path string }{
		{"metadata_dir", c.MetadataDir},
		{"state_dir", c.StateDir},
		{"layout.project_dir", c.Layout.ProjectDir},
		{"layout.boundary", c.Layout.Boundary},
		{"layout.dem", c.Layout.DEM},
		{"layout.landuse", c.Layout.Landuse},
		{"layout.soils", c.Layout.Soils},
		{"layout.landuse_lookup", c.Layout.LanduseLookup},
		{"layout.soil_lookup", c.Layout.SoilLookup},
		{"layout.streams", c.Layout.Streams},
		{"layout.outlets", c.Layout.Outlets},
		{"layout.met_dir", c.Layout.MetDir},
		{"layout.refdb_audit", c.Layout.RefDBAudit},
	} {
		if p.path == "" {
			continue
		}
		if err := core.ValidateRelPath(p.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
		}
	}
	if nd := *c.NoData; math.IsNaN(nd) || math.IsInf(nd, 0) {
		errs = append(errs, fmt.Errorf("nodata must be a finite number, got %v", nd))
	}
	if *c.Outlets.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("outlets.tolerance must not be negative, got %v", *c.Outlets.Tolerance))
	}
	for i, s := range c.Met.Stations {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("met.stations[%d]: name and url are required", i))
		}
	}
	switch c.RefDB.Driver {
	case "":
	case "odbc", "sqlite":
		if c.RefDB.DSN == "" {
			errs = append(errs, errors.New("refdb.dsn is required when refdb.driver is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("refdb.driver %q is not supported (odbc|sqlite)", c.RefDB.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported (text|json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// CacheMode returns the validated cache mode.
func (c *Config) CacheMode() core.CacheMode {
	m, _ := core.ParseCacheMode(c.Cache)
	return m
}

// NoDataValue returns the configured raster nodata value.
func (c *Config) NoDataValue() float64 {
	if c.NoData == nil {
		return DefaultNoData
	}
	return *c.NoData
}

// MetadataPath returns the absolute metadata directory.
func (c *Config) MetadataPath() string { return core.Resolve(c.Root, c.MetadataDir) }

// StatePath returns the absolute state directory.
func (c *Config) StatePath() string { return core.Resolve(c.Root, c.StateDir) }

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
