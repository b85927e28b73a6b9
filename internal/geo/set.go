// Package geo holds vector feature sets and the export policies applied to
// them before they are written as shapefiles.
//
// Geometry primitives come from github.com/paulmach/orb; this package only
// filters, casts and snaps.
package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"hydroprep/internal/core"
)

// Feature is one geometry with its attributes.
type Feature struct {
	Geometry   orb.Geometry
	Properties map[string]any
}

// Set is an ordered feature collection in one coordinate reference system.
type Set struct {
	// CRS is a WKT or authority string; it is carried through, never
	// interpreted.
	CRS      string
	Features []Feature
}

// GeometryTypes returns the distinct GeoJSON type names present, sorted.
func (s *Set) GeometryTypes() []string {
	seen := map[string]struct{}{}
	for _, f := range s.Features {
		if f.Geometry == nil {
			continue
		}
		seen[f.Geometry.GeoJSONType()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Bound returns the bounding box of every feature.
func (s *Set) Bound() orb.Bound {
	var b orb.Bound
	first := true
	for _, f := range s.Features {
		if f.Geometry == nil {
			continue
		}
		if first {
			b = f.Geometry.Bound()
			first = false
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// ReadVector reads a GeoJSON or shapefile source, choosing by extension.
func ReadVector(path, crs string) (*Set, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return ReadShapefile(path)
	case ".geojson", ".json":
		return ReadGeoJSON(path, crs)
	default:
		return nil, fmt.Errorf("unsupported vector format %q", filepath.Ext(path))
	}
}

// ReadGeoJSON reads a FeatureCollection. GeoJSON carries no CRS, so the
// caller supplies it.
func ReadGeoJSON(path, crs string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, core.External("geojson", "decode "+filepath.Base(path), err)
	}
	s := &Set{CRS: crs, Features: make([]Feature, 0, len(fc.Features))}
	for _, f := range fc.Features {
		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		s.Features = append(s.Features, Feature{Geometry: f.Geometry, Properties: props})
	}
	return s, nil
}

// Region is the polygonal area of interest used to crop and mask.
type Region struct {
	Polygons orb.MultiPolygon
}

// RegionFromSet collects every Polygon and MultiPolygon feature of s.
func RegionFromSet(s *Set) (*Region, error) {
	var mp orb.MultiPolygon
	for _, f := range s.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("no polygon features in boundary (types %v)", s.GeometryTypes())
	}
	return &Region{Polygons: mp}, nil
}

// Bound returns the bounding rectangle of the region.
func (r *Region) Bound() orb.Bound { return r.Polygons.Bound() }

// Contains reports whether p lies inside the region's exact boundary.
func (r *Region) Contains(p orb.Point) bool {
	return planar.MultiPolygonContains(r.Polygons, p)
}

// Touches reports whether any vertex of g lies inside the region.
func (r *Region) Touches(g orb.Geometry) bool {
	if g == nil || !r.Bound().Intersects(g.Bound()) {
		return false
	}
	found := false
	eachPoint(g, func(p orb.Point) {
		if !found && r.Contains(p) {
			found = true
		}
	})
	return found
}

// Crop keeps the features of s that have at least one vertex inside r.
// Geometries are kept whole; clipping is left to the downstream tool.
func Crop(s *Set, r *Region) *Set {
	out := &Set{CRS: s.CRS}
	for _, f := range s.Features {
		if r.Touches(f.Geometry) {
			out.Features = append(out.Features, f)
		}
	}
	return out
}

func eachPoint(g orb.Geometry, fn func(orb.Point)) {
	switch g := g.(type) {
	case orb.Point:
		fn(g)
	case orb.MultiPoint:
		for _, p := range g {
			fn(p)
		}
	case orb.LineString:
		for _, p := range g {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range g {
			eachPoint(ls, fn)
		}
	case orb.Ring:
		for _, p := range g {
			fn(p)
		}
	case orb.Polygon:
		for _, r := range g {
			eachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			eachPoint(p, fn)
		}
	case orb.Collection:
		for _, c := range g {
			eachPoint(c, fn)
		}
	}
}
