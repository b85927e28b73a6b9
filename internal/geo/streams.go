package geo

import (
	"github.com/paulmach/orb"
)

// StreamLines prepares a stream network for a single-type polyline file.
//
// Point and MultiPoint features are dropped. Every remaining geometry is cast
// to LineString: multi-part lines are exploded into one feature per part,
// polygon rings become closed lines, collections are flattened. Parts with
// fewer than two vertices are dropped. Properties are copied to each part.
func StreamLines(s *Set) *Set {
	out := &Set{CRS: s.CRS}
	for _, f := range s.Features {
		for _, ls := range toLines(f.Geometry) {
			if len(ls) < 2 {
				continue
			}
			out.Features = append(out.Features, Feature{Geometry: ls, Properties: copyProps(f.Properties)})
		}
	}
	return out
}

func toLines(g orb.Geometry) []orb.LineString {
	switch g := g.(type) {
	case orb.LineString:
		return []orb.LineString{g}
	case orb.MultiLineString:
		return append([]orb.LineString(nil), g...)
	case orb.Ring:
		return []orb.LineString{orb.LineString(g)}
	case orb.Polygon:
		out := make([]orb.LineString, 0, len(g))
		for _, r := range g {
			out = append(out, orb.LineString(r))
		}
		return out
	case orb.MultiPolygon:
		var out []orb.LineString
		for _, p := range g {
			out = append(out, toLines(p)...)
		}
		return out
	case orb.Collection:
		var out []orb.LineString
		for _, c := range g {
			out = append(out, toLines(c)...)
		}
		return out
	default:
		// Point, MultiPoint, Bound and nil carry no line.
		return nil
	}
}

func copyProps(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
