package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// DefaultOutletCodes are the gauge type codes treated as outlets.
var DefaultOutletCodes = []string{"HY", "HYD", "QL"}

// OutletFields is the attribute schema of an exported outlet file, in order.
var OutletFields = []string{"ID", "RES", "INLET", "PTSOURCE"}

// OutletOptions configures outlet selection and snapping.
type OutletOptions struct {
	// CodeField is the attribute holding the station type code.
	CodeField string
	// Codes lists recognized outlet codes. Empty means DefaultOutletCodes.
	Codes []string
	// Tolerance is the maximum snap distance in map units.
	Tolerance float64
}

// OutletReport summarizes an outlet export.
type OutletReport struct {
	Candidates int
	Selected   int
	// Dropped counts recognized points with no stream within tolerance.
	Dropped int
}

// Outlets selects the points whose code is recognized, snaps each onto the
// nearest stream within tolerance, and returns them with the outlet
// attribute schema. Points with no stream within tolerance are dropped. IDs
// are assigned 1..n in input order.
func Outlets(points, streams *Set, opts OutletOptions) (*Set, OutletReport, error) {
	var rep OutletReport
	if opts.CodeField == "" {
		return nil, rep, fmt.Errorf("outlet code field is required")
	}
	if opts.Tolerance < 0 {
		return nil, rep, fmt.Errorf("snap tolerance must not be negative, got %v", opts.Tolerance)
	}
	codes := opts.Codes
	if len(codes) == 0 {
		codes = DefaultOutletCodes
	}
	accept := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		accept[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	var lines []orb.LineString
	for _, f := range streams.Features {
		lines = append(lines, toLines(f.Geometry)...)
	}

	out := &Set{CRS: points.CRS}
	for _, f := range points.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		rep.Candidates++
		code := strings.ToUpper(strings.TrimSpace(fmt.Sprint(f.Properties[opts.CodeField])))
		if _, ok := accept[code]; !ok {
			continue
		}
		snapped, ok := Snap(p, lines, opts.Tolerance)
		if !ok {
			rep.Dropped++
			continue
		}
		rep.Selected++
		out.Features = append(out.Features, Feature{
			Geometry: snapped,
			Properties: map[string]any{
				"ID":       rep.Selected,
				"RES":      0,
				"INLET":    0,
				"PTSOURCE": 0,
			},
		})
	}
	return out, rep, nil
}

// Snap moves p to the nearest point on lines if that point is within tol.
func Snap(p orb.Point, lines []orb.LineString, tol float64) (orb.Point, bool) {
	best := orb.Point{}
	bestDist := math.Inf(1)
	for _, ls := range lines {
		for i := 0; i+1 < len(ls); i++ {
			q := nearestOnSegment(p, ls[i], ls[i+1])
			if d := dist(p, q); d < bestDist {
				best, bestDist = q, d
			}
		}
		if len(ls) == 1 {
			if d := dist(p, ls[0]); d < bestDist {
				best, bestDist = ls[0], d
			}
		}
	}
	if bestDist > tol {
		return p, false
	}
	return best, true
}

func nearestOnSegment(p, a, b orb.Point) orb.Point {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return a
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return orb.Point{a[0] + t*dx, a[1] + t*dy}
}

func dist(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
