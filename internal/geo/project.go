package geo

import (
	"fmt"

	"github.com/paulmach/orb"
)

// TransformFunc rewrites coordinate pairs in place.
type TransformFunc func(x, y []float64) error

// Project passes every vertex of s through fn in one batch and relabels the
// set with crs. Geometries are rebuilt, so features shared with another set
// are not modified.
func Project(s *Set, crs string, fn TransformFunc) error {
	var x, y []float64
	for _, f := range s.Features {
		mapPoints(f.Geometry, func(p orb.Point) orb.Point {
			x = append(x, p[0])
			y = append(y, p[1])
			return p
		})
	}
	if len(x) > 0 {
		if err := fn(x, y); err != nil {
			return err
		}
	}
	i := 0
	for k, f := range s.Features {
		s.Features[k].Geometry = mapPoints(f.Geometry, func(orb.Point) orb.Point {
			p := orb.Point{x[i], y[i]}
			i++
			return p
		})
	}
	if i != len(x) {
		return fmt.Errorf("projected %d of %d vertices", i, len(x))
	}
	s.CRS = crs
	return nil
}

// mapPoints returns a copy of g with fn applied to every vertex in a fixed
// traversal order.
func mapPoints(g orb.Geometry, fn func(orb.Point) orb.Point) orb.Geometry {
	line := func(ps []orb.Point) []orb.Point {
		out := make([]orb.Point, len(ps))
		for i, p := range ps {
			out[i] = fn(p)
		}
		return out
	}
	poly := func(p orb.Polygon) orb.Polygon {
		out := make(orb.Polygon, len(p))
		for i, r := range p {
			out[i] = orb.Ring(line(r))
		}
		return out
	}
	switch g := g.(type) {
	case nil:
		return nil
	case orb.Point:
		return fn(g)
	case orb.MultiPoint:
		return orb.MultiPoint(line(g))
	case orb.LineString:
		return orb.LineString(line(g))
	case orb.Ring:
		return orb.Ring(line(g))
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(g))
		for i, ls := range g {
			out[i] = orb.LineString(line(ls))
		}
		return out
	case orb.Polygon:
		return poly(g)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, p := range g {
			out[i] = poly(p)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(g))
		for i, c := range g {
			out[i] = mapPoints(c, fn)
		}
		return out
	case orb.Bound:
		return orb.Bound{Min: fn(g.Min), Max: fn(g.Max)}
	default:
		return g
	}
}
