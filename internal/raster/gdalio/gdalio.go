// Package gdalio reads and writes raster.Grid values through GDAL.
package gdalio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"

	"hydroprep/internal/core"
	"hydroprep/internal/geo"
	"hydroprep/internal/raster"
)

var registerOnce sync.Once

func register() { registerOnce.Do(godal.RegisterAll) }

// Read loads band 1 of path. When targetCRS is set and differs from the
// source CRS, the source is first warped into it through a scratch GeoTIFF;
// cells the warp cannot fill carry nodata.
func Read(path, targetCRS string, nodata float64) (*raster.Grid, error) {
	register()
	ds, err := godal.Open(path)
	if err != nil {
		return nil, core.External("gdal", "open "+filepath.Base(path), err)
	}
	defer ds.Close()

	if targetCRS == "" {
		return readDataset(ds, path)
	}
	same, err := sameCRS(ds.Projection(), targetCRS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if same {
		return readDataset(ds, path)
	}

	scratch, err := os.MkdirTemp("", "hydroprep-warp-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)
	var srcNoData *float64
	if bands := ds.Bands(); len(bands) > 0 {
		if nd, ok := bands[0].NoData(); ok {
			srcNoData = &nd
		}
	}
	warped, err := ds.Warp(filepath.Join(scratch, "warped.tif"), warpSwitches(targetCRS, nodata, srcNoData))
	if err != nil {
		return nil, core.External("gdalwarp", "reproject "+filepath.Base(path), err)
	}
	defer warped.Close()
	return readDataset(warped, path)
}

// warpSwitches are the gdalwarp arguments for reprojecting into targetCRS.
// The destination always declares nodata so uncovered cells are not read
// back as zero.
func warpSwitches(targetCRS string, nodata float64, srcNoData *float64) []string {
	sw := []string{"-of", "GTiff", "-t_srs", targetCRS}
	if srcNoData != nil {
		sw = append(sw, "-srcnodata", ftoa(*srcNoData))
	}
	return append(sw, "-dstnodata", ftoa(nodata))
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

// sameCRS reports whether the dataset projection srcWKT already is crs.
func sameCRS(srcWKT, crs string) (bool, error) {
	if srcWKT == "" {
		return false, fmt.Errorf("source has no CRS to reproject from")
	}
	src, err := godal.NewSpatialRefFromWKT(srcWKT)
	if err != nil {
		return false, core.External("osr", "parse source CRS", err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRef(crs)
	if err != nil {
		return false, core.External("osr", "parse "+crs, err)
	}
	defer dst.Close()
	return src.IsSame(dst), nil
}

func readDataset(ds *godal.Dataset, path string) (*raster.Grid, error) {
	st := ds.Structure()
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("%s has no raster bands", filepath.Base(path))
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, core.External("gdal", "geotransform "+filepath.Base(path), err)
	}
	g := &raster.Grid{
		Width:        st.SizeX,
		Height:       st.SizeY,
		GeoTransform: gt,
		Projection:   ds.Projection(),
		Data:         make([]float64, st.SizeX*st.SizeY),
	}
	if nd, ok := bands[0].NoData(); ok {
		g.NoData, g.HasNoData = nd, true
	}
	if err := bands[0].Read(0, 0, g.Data, st.SizeX, st.SizeY); err != nil {
		return nil, core.External("gdal", "read "+filepath.Base(path), err)
	}
	return g, nil
}

// Write stores g as a single-band Float64 GeoTIFF with its projection and
// nodata tag. The file is written in a staging directory and renamed into
// place.
func Write(path string, g *raster.Grid) error {
	register()
	if err := g.Validate(); err != nil {
		return err
	}
	stg, err := core.NewStaging(path)
	if err != nil {
		return err
	}
	defer stg.Cleanup()

	if err := create(stg.Path(), g); err != nil {
		return err
	}
	return stg.Commit()
}

func create(path string, g *raster.Grid) (err error) {
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float64, g.Width, g.Height)
	if err != nil {
		return core.External("gdal", "create "+filepath.Base(path), err)
	}
	defer func() {
		if cerr := ds.Close(); err == nil {
			err = core.External("gdal", "close "+filepath.Base(path), cerr)
		}
	}()

	if err := ds.SetGeoTransform(g.GeoTransform); err != nil {
		return core.External("gdal", "set geotransform", err)
	}
	if g.Projection != "" {
		if err := ds.SetProjection(g.Projection); err != nil {
			return core.External("gdal", "set projection", err)
		}
	}
	band := ds.Bands()[0]
	if g.HasNoData {
		if err := band.SetNoData(g.NoData); err != nil {
			return core.External("gdal", "set nodata", err)
		}
	}
	if err := band.Write(0, 0, g.Data, g.Width, g.Height); err != nil {
		return core.External("gdal", "write "+filepath.Base(path), err)
	}
	return nil
}

// Reproject transforms every vertex of s from its CRS into targetCRS with
// OSR. Sets without a CRS, or already in targetCRS, are only relabelled.
func Reproject(s *geo.Set, targetCRS string) error {
	register()
	if s.CRS == "" || s.CRS == targetCRS {
		s.CRS = targetCRS
		return nil
	}
	src, err := godal.NewSpatialRef(s.CRS)
	if err != nil {
		return core.External("osr", "parse "+s.CRS, err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRef(targetCRS)
	if err != nil {
		return core.External("osr", "parse "+targetCRS, err)
	}
	defer dst.Close()
	if src.IsSame(dst) {
		s.CRS = targetCRS
		return nil
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return core.External("osr", "transform to "+targetCRS, err)
	}
	defer trn.Close()
	return geo.Project(s, targetCRS, func(x, y []float64) error {
		ok := make([]bool, len(x))
		if err := trn.TransformEx(x, y, make([]float64, len(x)), ok); err != nil {
			return core.External("osr", "transform to "+targetCRS, err)
		}
		for i, v := range ok {
			if !v {
				return fmt.Errorf("vertex (%v, %v) cannot be projected into %s", x[i], y[i], targetCRS)
			}
		}
		return nil
	})
}

// WKT expands crs, an authority code, PROJ string or WKT, into WKT.
func WKT(crs string) (string, error) {
	register()
	sr, err := godal.NewSpatialRef(crs)
	if err != nil {
		return "", core.External("osr", "parse "+crs, err)
	}
	defer sr.Close()
	wkt, err := sr.WKT()
	if err != nil {
		return "", core.External("osr", "export "+crs, err)
	}
	return wkt, nil
}

// IO exposes the package functions as a value so callers can depend on
// interfaces and swap GDAL out in tests.
type IO struct{}

func (IO) Read(path, targetCRS string, nodata float64) (*raster.Grid, error) {
	return Read(path, targetCRS, nodata)
}

func (IO) Write(path string, g *raster.Grid) error { return Write(path, g) }

func (IO) Reproject(s *geo.Set, targetCRS string) error { return Reproject(s, targetCRS) }

func (IO) WKT(crs string) (string, error) { return WKT(crs) }
