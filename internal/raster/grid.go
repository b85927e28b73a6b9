// Package raster holds in-memory grids and the crop-and-mask policy.
//
// File IO lives in raster/gdalio so that this package builds without cgo.
package raster

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"hydroprep/internal/geo"
)

// Grid is a single-band, north-up raster held in row-major order.
type Grid struct {
	Width, Height int
	// GeoTransform follows the GDAL convention:
	// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
	GeoTransform [6]float64
	Projection   string
	NoData       float64
	HasNoData    bool
	Data         []float64
}

// NewGrid allocates a grid filled with nodata.
func NewGrid(width, height int, gt [6]float64, projection string, nodata float64) *Grid {
	g := &Grid{
		Width: width, Height: height,
		GeoTransform: gt, Projection: projection,
		NoData: nodata, HasNoData: true,
		Data: make([]float64, width*height),
	}
	for i := range g.Data {
		g.Data[i] = nodata
	}
	return g
}

// Validate checks the grid is usable by the mask policy.
func (g *Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid size %dx%d is empty", g.Width, g.Height)
	}
	if len(g.Data) != g.Width*g.Height {
		return fmt.Errorf("grid data has %d cells, want %d", len(g.Data), g.Width*g.Height)
	}
	if g.GeoTransform[2] != 0 || g.GeoTransform[4] != 0 {
		return errors.New("rotated grids are not supported")
	}
	if g.GeoTransform[1] <= 0 || g.GeoTransform[5] >= 0 {
		return errors.New("grid is not north-up")
	}
	return nil
}

// At returns the value at (col, row).
func (g *Grid) At(col, row int) float64 { return g.Data[row*g.Width+col] }

// IsNoData reports whether v is the grid's nodata value.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return g.HasNoData && v == g.NoData
}

// CellCenter returns the map coordinate of the centre of (col, row).
func (g *Grid) CellCenter(col, row int) orb.Point {
	gt := g.GeoTransform
	c, r := float64(col)+0.5, float64(row)+0.5
	return orb.Point{gt[0] + c*gt[1] + r*gt[2], gt[3] + c*gt[4] + r*gt[5]}
}

// Bound returns the map extent of the grid.
func (g *Grid) Bound() orb.Bound {
	gt := g.GeoTransform
	return orb.Bound{
		Min: orb.Point{gt[0], gt[3] + float64(g.Height)*gt[5]},
		Max: orb.Point{gt[0] + float64(g.Width)*gt[1], gt[3]},
	}
}

// Window is a pixel rectangle [Col0,Col1) x [Row0,Row1).
type Window struct {
	Col0, Row0, Col1, Row1 int
}

func (w Window) Width() int  { return w.Col1 - w.Col0 }
func (w Window) Height() int { return w.Row1 - w.Row0 }

// WindowFor returns the smallest pixel window covering b, expanded outward to
// whole pixels and clamped to the grid.
func (g *Grid) WindowFor(b orb.Bound) (Window, error) {
	gt := g.GeoTransform
	w := Window{
		Col0: int(math.Floor((b.Min[0] - gt[0]) / gt[1])),
		Col1: int(math.Ceil((b.Max[0] - gt[0]) / gt[1])),
		Row0: int(math.Floor((b.Max[1] - gt[3]) / gt[5])),
		Row1: int(math.Ceil((b.Min[1] - gt[3]) / gt[5])),
	}
	w.Col0 = clamp(w.Col0, 0, g.Width)
	w.Col1 = clamp(w.Col1, 0, g.Width)
	w.Row0 = clamp(w.Row0, 0, g.Height)
	w.Row1 = clamp(w.Row1, 0, g.Height)
	if w.Width() <= 0 || w.Height() <= 0 {
		return Window{}, fmt.Errorf("boundary %v does not overlap grid extent %v", b, g.Bound())
	}
	return w, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CropMask crops g to the bounding box of region and sets every cell whose
// centre lies outside the region, or that was nodata in the source, to
// nodata. The result carries nodata as its nodata value.
func CropMask(g *Grid, region *geo.Region, nodata float64) (*Grid, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	win, err := g.WindowFor(region.Bound())
	if err != nil {
		return nil, err
	}
	gt := g.GeoTransform
	outGT := gt
	outGT[0] = gt[0] + float64(win.Col0)*gt[1]
	outGT[3] = gt[3] + float64(win.Row0)*gt[5]

	out := NewGrid(win.Width(), win.Height(), outGT, g.Projection, nodata)
	for r := 0; r < out.Height; r++ {
		for c := 0; c < out.Width; c++ {
			if !region.Contains(out.CellCenter(c, r)) {
				continue
			}
			v := g.At(win.Col0+c, win.Row0+r)
			if g.IsNoData(v) {
				continue
			}
			out.Data[r*out.Width+c] = v
		}
	}
	return out, nil
}

// DistinctCodes returns the sorted distinct integer class codes of g,
// ignoring nodata.
func DistinctCodes(g *Grid) []int {
	seen := map[int]struct{}{}
	for _, v := range g.Data {
		if g.IsNoData(v) {
			continue
		}
		seen[int(math.Round(v))] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}
