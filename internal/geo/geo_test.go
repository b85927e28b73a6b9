package geo

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"hydroprep/internal/core"
)

func square(x0, y0, size float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}, {x0, y0},
	}}
}

func TestStreamLines_DropsPointsAndCastsToLineString(t *testing.T) {
	s := &Set{CRS: "EPSG:32633", Features: []Feature{
		{Geometry: orb.Point{1, 1}},
		{Geometry: orb.MultiPoint{{1, 1}, {2, 2}}},
		{Geometry: orb.LineString{{0, 0}, {10, 0}}, Properties: map[string]any{"order": 1}},
		{Geometry: orb.MultiLineString{{{0, 0}, {0, 5}}, {{5, 5}, {6, 6}}, {{9, 9}}}},
		{Geometry: square(20, 20, 5)},
	}}

	out := StreamLines(s)
	if got := out.GeometryTypes(); len(got) != 1 || got[0] != "LineString" {
		t.Fatalf("geometry types = %v, want [LineString]", got)
	}
	// 1 line + 2 usable parts of the multi-line + 1 ring
	if len(out.Features) != 4 {
		t.Fatalf("got %d features, want 4", len(out.Features))
	}
	if out.Features[0].Properties["order"] != 1 {
		t.Fatalf("properties not carried: %+v", out.Features[0].Properties)
	}
	if out.CRS != s.CRS {
		t.Fatalf("CRS not carried")
	}
}

func TestOutlets_SelectsRecognizedCodesAndSnaps(t *testing.T) {
	streams := &Set{Features: []Feature{
		{Geometry: orb.LineString{{0, 0}, {100, 0}}},
	}}
	codes := []string{"HY", "XX", "PZ", "QL", "RG", "hyd", "MT", "WQ", "SW", "LK"}
	points := &Set{}
	for i, c := range codes {
		points.Features = append(points.Features, Feature{
			Geometry:   orb.Point{float64(i * 10), 4},
			Properties: map[string]any{"TYPE": c},
		})
	}

	out, rep, err := Outlets(points, streams, OutletOptions{CodeField: "TYPE", Tolerance: 10})
	if err != nil {
		t.Fatalf("Outlets: %v", err)
	}
	if len(out.Features) != 3 || rep.Selected != 3 || rep.Candidates != 10 {
		t.Fatalf("selected %d features, report %+v; want 3 of 10", len(out.Features), rep)
	}
	for i, f := range out.Features {
		p := f.Geometry.(orb.Point)
		if p[1] != 0 {
			t.Errorf("outlet %d not snapped onto stream: %v", i, p)
		}
		if f.Properties["ID"] != i+1 {
			t.Errorf("outlet %d has ID %v", i, f.Properties["ID"])
		}
		for _, k := range OutletFields {
			if _, ok := f.Properties[k]; !ok {
				t.Errorf("outlet %d missing attribute %s", i, k)
			}
		}
	}
}

func TestOutlets_BeyondToleranceIsDropped(t *testing.T) {
	streams := &Set{Features: []Feature{{Geometry: orb.LineString{{0, 0}, {100, 0}}}}}
	points := &Set{Features: []Feature{
		{Geometry: orb.Point{50, 25}, Properties: map[string]any{"TYPE": "HY"}},
		{Geometry: orb.Point{60, 5}, Properties: map[string]any{"TYPE": "QL"}},
	}}
	out, rep, err := Outlets(points, streams, OutletOptions{CodeField: "TYPE", Tolerance: 10})
	if err != nil {
		t.Fatalf("Outlets: %v", err)
	}
	if rep.Dropped != 1 || len(out.Features) != 1 {
		t.Fatalf("report = %+v with %d features, want one dropped", rep, len(out.Features))
	}
	if p := out.Features[0].Geometry.(orb.Point); p != (orb.Point{60, 0}) {
		t.Fatalf("kept point at %v, want (60,0)", p)
	}
	if out.Features[0].Properties["ID"] != 1 {
		t.Fatalf("IDs must stay contiguous, got %v", out.Features[0].Properties["ID"])
	}
}

func TestSnap_ProjectsOntoSegmentInterior(t *testing.T) {
	got, ok := Snap(orb.Point{3, 4}, []orb.LineString{{{0, 0}, {10, 0}}, {{0, 10}, {10, 10}}}, 5)
	if !ok || got != (orb.Point{3, 0}) {
		t.Fatalf("Snap = %v, %v", got, ok)
	}
	got, ok = Snap(orb.Point{-3, 4}, []orb.LineString{{{0, 0}, {10, 0}}}, 5)
	if !ok || got != (orb.Point{0, 0}) {
		t.Fatalf("Snap past endpoint = %v, %v", got, ok)
	}
	if d := dist(orb.Point{-3, 4}, orb.Point{0, 0}); math.Abs(d-5) > 1e-9 {
		t.Fatalf("dist = %v", d)
	}
}

func TestRegion_CropKeepsTouchingFeatures(t *testing.T) {
	region, err := RegionFromSet(&Set{Features: []Feature{{Geometry: square(0, 0, 10)}}})
	if err != nil {
		t.Fatalf("RegionFromSet: %v", err)
	}
	s := &Set{Features: []Feature{
		{Geometry: orb.LineString{{5, 5}, {50, 50}}},
		{Geometry: orb.LineString{{20, 20}, {30, 30}}},
		{Geometry: orb.Point{1, 1}},
	}}
	out := Crop(s, region)
	if len(out.Features) != 2 {
		t.Fatalf("kept %d features, want 2", len(out.Features))
	}
	if _, err := RegionFromSet(&Set{Features: []Feature{{Geometry: orb.Point{0, 0}}}}); err == nil {
		t.Fatal("expected error for boundary without polygons")
	}
}

func TestWriteShapefile_MixedTypesIsFormatConstraint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.shp")
	s := &Set{Features: []Feature{
		{Geometry: orb.LineString{{0, 0}, {1, 1}}},
		{Geometry: orb.Point{0, 0}},
	}}
	err := WriteShapefile(path, s, ShapeLine, nil)
	var fc *core.FormatConstraintError
	if !errors.As(err, &fc) || !errors.Is(err, core.ErrFormatConstraint) {
		t.Fatalf("expected FormatConstraintError, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written on constraint failure")
	}
}

func TestWriteShapefile_RoundTripOutlets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outlets.shp")
	s := &Set{CRS: "EPSG:32633", Features: []Feature{
		{Geometry: orb.Point{10, 20}, Properties: map[string]any{"ID": 1, "RES": 0, "INLET": 0, "PTSOURCE": 0}},
		{Geometry: orb.Point{30, 40}, Properties: map[string]any{"ID": 2, "RES": 0, "INLET": 0, "PTSOURCE": 0}},
	}}
	if err := WriteShapefile(path, s, ShapePoint, IntFields(OutletFields...)); err != nil {
		t.Fatalf("WriteShapefile: %v", err)
	}
	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		if _, err := os.Stat(filepath.Join(dir, "outlets"+ext)); err != nil {
			t.Errorf("missing %s: %v", ext, err)
		}
	}

	got, err := ReadShapefile(path)
	if err != nil {
		t.Fatalf("ReadShapefile: %v", err)
	}
	if got.CRS != "EPSG:32633" || len(got.Features) != 2 {
		t.Fatalf("read back %d features, crs %q", len(got.Features), got.CRS)
	}
	if p := got.Features[1].Geometry.(orb.Point); p != (orb.Point{30, 40}) {
		t.Fatalf("second point = %v", p)
	}
	if got.Features[1].Properties["ID"] != 2 {
		t.Fatalf("ID = %#v", got.Features[1].Properties["ID"])
	}
}

func TestWriteShapefile_PolygonRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boundary.shp")
	s := &Set{Features: []Feature{{Geometry: square(0, 0, 10), Properties: map[string]any{"NAME": "upper"}}}}
	if err := WriteShapefile(path, s, ShapePolygon, InferFields(s)); err != nil {
		t.Fatalf("WriteShapefile: %v", err)
	}
	got, err := ReadShapefile(path)
	if err != nil {
		t.Fatalf("ReadShapefile: %v", err)
	}
	region, err := RegionFromSet(got)
	if err != nil {
		t.Fatalf("RegionFromSet: %v", err)
	}
	if !region.Contains(orb.Point{5, 5}) || region.Contains(orb.Point{15, 5}) {
		t.Fatal("round-tripped polygon has the wrong interior")
	}
	if got.Features[0].Properties["NAME"] != "upper" {
		t.Fatalf("NAME = %#v", got.Features[0].Properties["NAME"])
	}
}

func TestInferFields_WidensTypes(t *testing.T) {
	s := &Set{Features: []Feature{
		{Properties: map[string]any{"a": 1, "b": 1.0, "c": "x"}},
		{Properties: map[string]any{"a": 2, "b": 1.5, "c": 3}},
	}}
	got := InferFields(s)
	want := []Field{{"a", FieldInt}, {"b", FieldFloat}, {"c", FieldString}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestProject_ShiftsEveryVertexAndRelabels(t *testing.T) {
	orig := square(0, 0, 10)
	s := &Set{CRS: "EPSG:4326", Features: []Feature{
		{Geometry: orig},
		{Geometry: orb.Point{1, 2}},
		{Geometry: orb.MultiLineString{{{0, 0}, {3, 4}}}},
		{Geometry: nil},
	}}
	calls := 0
	err := Project(s, "EPSG:32617", func(x, y []float64) error {
		calls++
		for i := range x {
			x[i] += 100
			y[i] -= 50
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if calls != 1 {
		t.Fatalf("transform called %d times, want one batch", calls)
	}
	if s.CRS != "EPSG:32617" {
		t.Fatalf("CRS = %q", s.CRS)
	}
	if p := s.Features[1].Geometry.(orb.Point); p != (orb.Point{101, -48}) {
		t.Fatalf("point = %v", p)
	}
	if ring := s.Features[0].Geometry.(orb.Polygon)[0]; ring[2] != (orb.Point{110, -40}) {
		t.Fatalf("ring vertex = %v", ring[2])
	}
	if ls := s.Features[2].Geometry.(orb.MultiLineString)[0]; ls[1] != (orb.Point{103, -46}) {
		t.Fatalf("line vertex = %v", ls[1])
	}
	if orig[0][2] != (orb.Point{10, 10}) {
		t.Fatal("source geometry was modified in place")
	}
}

func TestProject_TransformErrorKeepsCRS(t *testing.T) {
	s := &Set{CRS: "EPSG:4326", Features: []Feature{{Geometry: orb.Point{1, 2}}}}
	boom := errors.New("out of domain")
	if err := Project(s, "EPSG:32617", func(x, y []float64) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.CRS != "EPSG:4326" {
		t.Fatalf("CRS relabelled after failure: %q", s.CRS)
	}
}
