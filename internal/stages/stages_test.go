package stages

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/geo"
	"hydroprep/internal/lookup"
	"hydroprep/internal/raster"
	"hydroprep/internal/refdb"
)

// memRaster keeps grids in memory and leaves a marker file on disk so
// presence checks see the output.
type memRaster struct {
	grids map[string]*raster.Grid
}

func newMemRaster() *memRaster { return &memRaster{grids: map[string]*raster.Grid{}} }

func (m *memRaster) Read(path, crs string, nodata float64) (*raster.Grid, error) {
	g, ok := m.grids[path]
	if !ok {
		return nil, core.External("mem", "read "+path, os.ErrNotExist)
	}
	cp := *g
	cp.Data = append([]float64(nil), g.Data...)
	return &cp, nil
}

func (m *memRaster) Write(path string, g *raster.Grid) error {
	m.grids[path] = g
	return os.WriteFile(path, []byte("grid"), 0o644)
}

// shiftProjector moves vertices by a fixed offset per CRS pair and renders
// authority codes as a minimal PROJCS string.
type shiftProjector struct {
	shift map[[2]string]orb.Point
	calls [][2]string
}

func (p *shiftProjector) Reproject(s *geo.Set, target string) error {
	pair := [2]string{s.CRS, target}
	p.calls = append(p.calls, pair)
	d, ok := p.shift[pair]
	if !ok {
		return fmt.Errorf("no transform from %s to %s", s.CRS, target)
	}
	return geo.Project(s, target, func(x, y []float64) error {
		for i := range x {
			x[i] += d[0]
			y[i] += d[1]
		}
		return nil
	})
}

func (p *shiftProjector) WKT(crs string) (string, error) {
	if strings.HasPrefix(crs, "PROJCS[") {
		return crs, nil
	}
	return `PROJCS["` + crs + `"]`, nil
}

const (
	boundaryJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"NAME":"grand"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
{"type":"Feature","properties":{"NAME":"gauge"},"geometry":{"type":"Point","coordinates":[5,5]}}]}`

	streamsJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"ORDER":1},"geometry":{"type":"LineString","coordinates":[[1,5],[9,5]]}},
{"type":"Feature","properties":{"ORDER":2},"geometry":{"type":"Point","coordinates":[2,2]}},
{"type":"Feature","properties":{"ORDER":3},"geometry":{"type":"LineString","coordinates":[[50,50],[60,60]]}}]}`

	gaugesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"TYPE":"HY"},"geometry":{"type":"Point","coordinates":[3,6]}},
{"type":"Feature","properties":{"TYPE":"XX"},"geometry":{"type":"Point","coordinates":[5,9]}},
{"type":"Feature","properties":{"TYPE":"QL"},"geometry":{"type":"Point","coordinates":[4,40]}}]}`
)

type fixture struct {
	cfg    *config.Config
	raster *memRaster
	proj   *shiftProjector
	stages map[string]core.Stage
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	dir := t.TempDir()
	write(t, filepath.Join(dir, "raw", "boundary.geojson"), boundaryJSON)
	write(t, filepath.Join(dir, "raw", "streams.geojson"), streamsJSON)
	write(t, filepath.Join(dir, "raw", "gauges.geojson"), gaugesJSON)
	write(t, filepath.Join(dir, "ref", "landuse.csv"), "LANDUSE_ID,SWAT_CODE\n1,AGRL\n2,FRSD\n9,WATR\n")
	write(t, filepath.Join(dir, "ref", "soil.csv"), "SOIL_ID,SNAM\n3,ON1\n")

	cfg, err := config.Parse([]byte(`
name: grand
sources:
  boundary: raw/boundary.geojson
  dem: raw/dem.tif
  landuse: raw/landuse.tif
  soils: raw/soils.tif
  streams: raw/streams.geojson
  gauges: raw/gauges.geojson
  vector_crs: EPSG:3161
lookups:
  landuse: ref/landuse.csv
  soil: ref/soil.csv
`+extra), dir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	mem := newMemRaster()
	// 20x20 unit cells covering (-5,-5)-(15,15).
	gt := [6]float64{-5, 1, 0, 15, 0, -1}
	for _, src := range []struct {
		path string
		fill func(c, r int) float64
	}{
		{cfg.Sources.DEM, func(c, r int) float64 { return float64(100 + c) }},
		{cfg.Sources.Landuse, func(c, r int) float64 { return float64(1 + c%2) }},
		{cfg.Sources.Soils, func(c, r int) float64 { return float64(3 + 4*(r%2)) }},
	} {
		g := raster.NewGrid(20, 20, gt, "EPSG:3161", -1)
		for r := 0; r < 20; r++ {
			for c := 0; c < 20; c++ {
				g.Data[r*20+c] = src.fill(c, r)
			}
		}
		mem.grids[src.path] = g
	}

	proj := &shiftProjector{shift: map[[2]string]orb.Point{
		{"EPSG:3161", "EPSG:26917"}: {100, 200},
	}}
	f := &fixture{cfg: cfg, raster: mem, proj: proj, stages: map[string]core.Stage{}}
	for _, st := range FromConfig(cfg, Deps{Raster: mem, Projector: proj}) {
		f.stages[st.Name()] = st
	}
	return f
}

func (f *fixture) output(t *testing.T, ref core.InputRef) string {
	t.Helper()
	st, ok := f.stages[ref.Stage]
	if !ok {
		t.Fatalf("no stage %s", ref.Stage)
	}
	for _, a := range st.Outputs() {
		if a.Key == ref.Key {
			return core.Resolve(f.cfg.Root, a.Path)
		}
	}
	t.Fatalf("stage %s has no output %s", ref.Stage, ref.Key)
	return ""
}

func (f *fixture) run(t *testing.T, name string) error {
	t.Helper()
	st := f.stages[name]
	inputs := map[core.InputRef]string{}
	for _, ref := range st.Inputs() {
		inputs[ref] = f.output(t, ref)
	}
	return st.Run(context.Background(), core.NewStageContext(f.cfg.Root, st, inputs, nil))
}

func (f *fixture) mustRun(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := f.run(t, n); err != nil {
			t.Fatalf("%s: %v", n, err)
		}
	}
}

func TestFromConfig_OptionalStages(t *testing.T) {
	f := newFixture(t, "")
	for _, n := range []string{Project, Met, RefDB} {
		if _, ok := f.stages[n]; ok {
			t.Errorf("%s enabled without config", n)
		}
	}
	if len(f.stages) != 8 {
		t.Fatalf("got %d stages, want 8", len(f.stages))
	}

	f = newFixture(t, "template:\n  archive: t.qgz\nmet:\n  stations:\n    - {name: a.csv, url: 'http://x/a.csv'}\nrefdb:\n  driver: sqlite\n  dsn: ref.sqlite\n")
	for _, n := range []string{Project, Met, RefDB} {
		if _, ok := f.stages[n]; !ok {
			t.Errorf("%s missing", n)
		}
	}
}

func TestBasins_KeepsPolygonsOnly(t *testing.T) {
	f := newFixture(t, "")
	f.mustRun(t, Basins)
	s, err := geo.ReadShapefile(f.output(t, boundaryRef))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GeometryTypes(); !reflect.DeepEqual(got, []string{"Polygon"}) {
		t.Fatalf("types = %v", got)
	}
	if s.CRS != `PROJCS["EPSG:3161"]` {
		t.Fatalf("CRS = %q", s.CRS)
	}
	if len(f.proj.calls) != 0 {
		t.Fatalf("reprojected without a project crs: %v", f.proj.calls)
	}
}

func TestVectorStages_ReprojectIntoProjectCRS(t *testing.T) {
	f := newFixture(t, "crs: EPSG:26917\n")
	f.mustRun(t, Basins, Streams, Outlets)

	b, err := geo.ReadShapefile(f.output(t, boundaryRef))
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Bound(); got != (orb.Bound{Min: orb.Point{100, 200}, Max: orb.Point{110, 210}}) {
		t.Fatalf("boundary extent = %v", got)
	}
	prj, err := os.ReadFile(strings.TrimSuffix(f.output(t, boundaryRef), ".shp") + ".prj")
	if err != nil {
		t.Fatal(err)
	}
	if string(prj) != `PROJCS["EPSG:26917"]` {
		t.Fatalf(".prj = %q", prj)
	}

	o, err := geo.ReadShapefile(f.output(t, core.InputRef{Stage: Outlets, Key: KeyOutlets}))
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Features) != 1 {
		t.Fatalf("got %d outlets, want 1", len(o.Features))
	}
	if p := o.Features[0].Geometry.(orb.Point); p != (orb.Point{103, 205}) {
		t.Fatalf("outlet at %v, want [103 205]", p)
	}
	// boundary, streams and gauges sources; never the written artifacts.
	if len(f.proj.calls) != 3 {
		t.Fatalf("reprojections = %v", f.proj.calls)
	}
}

func TestVectorStages_NeedProjectorToReproject(t *testing.T) {
	f := newFixture(t, "crs: EPSG:26917\n")
	f.stages[Basins] = newBasins(f.cfg, nil)
	err := f.run(t, Basins)
	if err == nil || !strings.Contains(err.Error(), "no projector") {
		t.Fatalf("err = %v", err)
	}
}

func TestStreams_DropsPointsAndCropsToBoundary(t *testing.T) {
	f := newFixture(t, "")
	f.mustRun(t, Basins, Streams)
	s, err := geo.ReadShapefile(f.output(t, core.InputRef{Stage: Streams, Key: KeyStreams}))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Features) != 1 {
		t.Fatalf("got %d stream features, want 1", len(s.Features))
	}
	if _, ok := s.Features[0].Geometry.(orb.LineString); !ok {
		t.Fatalf("geometry = %T", s.Features[0].Geometry)
	}
}

func TestOutlets_SnapsRecognizedCodes(t *testing.T) {
	f := newFixture(t, "")
	f.mustRun(t, Basins, Streams, Outlets)
	s, err := geo.ReadShapefile(f.output(t, core.InputRef{Stage: Outlets, Key: KeyOutlets}))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Features) != 1 {
		t.Fatalf("got %d outlets, want 1", len(s.Features))
	}
	if p := s.Features[0].Geometry.(orb.Point); p != (orb.Point{3, 5}) {
		t.Fatalf("outlet at %v, want [3 5]", p)
	}
	if id := s.Features[0].Properties["ID"]; id != 1 {
		t.Fatalf("ID = %v (%T)", id, id)
	}
}

func TestRaster_MasksToBoundary(t *testing.T) {
	f := newFixture(t, "")
	f.mustRun(t, Basins, DEM)
	out := f.raster.grids[f.output(t, core.InputRef{Stage: DEM, Key: KeyDEM})]
	if out == nil {
		t.Fatal("dem not written")
	}
	if out.Width != 10 || out.Height != 10 {
		t.Fatalf("size %dx%d, want 10x10", out.Width, out.Height)
	}
	if out.NoData != config.DefaultNoData {
		t.Fatalf("nodata = %v", out.NoData)
	}
	// Column 0 of the output is source column 5.
	if v := out.At(0, 0); v != 105 {
		t.Fatalf("cell (0,0) = %v, want 105", v)
	}
}

func TestRaster_WritesConfiguredNoData(t *testing.T) {
	f := newFixture(t, "nodata: -32768\n")
	f.raster.grids[f.cfg.Sources.DEM].Data[8*20+7] = -1 // source nodata at col 7, row 8
	f.mustRun(t, Basins, DEM)
	if got := f.stages[DEM].Params()["nodata"]; got != "-32768" {
		t.Fatalf("nodata param = %q", got)
	}
	out := f.raster.grids[f.output(t, core.InputRef{Stage: DEM, Key: KeyDEM})]
	if out.NoData != -32768 || !out.HasNoData {
		t.Fatalf("nodata = %v (%v), want -32768", out.NoData, out.HasNoData)
	}
	if v := out.At(2, 3); v != -32768 {
		t.Fatalf("masked cell = %v, want -32768", v)
	}
}

func TestLookup_ReconcilesAndFailsOnUnmapped(t *testing.T) {
	f := newFixture(t, "")
	f.mustRun(t, Basins, Landuse, Soils, LanduseLookup)

	got, err := os.ReadFile(f.output(t, core.InputRef{Stage: LanduseLookup, Key: KeyLanduseLookup}))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "LANDUSE_ID,SWAT_CODE\n1,AGRL\n2,FRSD\n" {
		t.Fatalf("landuse lookup = %q", got)
	}

	err = f.run(t, SoilLookup)
	var ue *core.UnmappedClassError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnmappedClassError, got %v", err)
	}
	if !reflect.DeepEqual(ue.Codes, []int{7}) {
		t.Fatalf("codes = %v", ue.Codes)
	}
}

func TestProject_BuildsPackage(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "template.qgz")
	zf, err := os.Create(tpl)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(zf)
	w, _ := zw.Create("TEMPLATE_PROJECT.qgs")
	w.Write([]byte("<qgis>TEMPLATE_PROJECT</qgis>"))
	zw.Close()
	zf.Close()

	f := newFixture(t, "template:\n  archive: "+tpl+"\n")
	f.mustRun(t, Project)
	pkg := f.output(t, core.InputRef{Stage: Project, Key: KeyProjectPackage})
	if filepath.Base(pkg) != "grand.qgz" {
		t.Fatalf("package = %s", pkg)
	}
	zr, err := zip.OpenReader(pkg)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "grand.qgs" {
		t.Fatalf("entries = %v", zr.File)
	}
}

func TestMet_DownloadsStations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("date,tmax\n2020-01-01,3.5\n"))
	}))
	defer srv.Close()

	f := newFixture(t, "met:\n  stations:\n    - {name: 6158355.csv, url: '"+srv.URL+"/6158355'}\n")
	f.mustRun(t, Met)
	got, err := os.ReadFile(filepath.Join(f.output(t, core.InputRef{Stage: Met, Key: KeyMetDir}), "6158355.csv"))
	if err != nil || string(got) != "date,tmax\n2020-01-01,3.5\n" {
		t.Fatalf("station file = %q, %v", got, err)
	}
}

func TestRefDB_AppendsAndAudits(t *testing.T) {
	f := newFixture(t, "refdb:\n  driver: sqlite\n  dsn: QSWATRef.sqlite\n")
	db, err := refdb.Open(context.Background(), "sqlite", f.cfg.RefDB.DSN)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, s := range []string{
		`CREATE TABLE crop (ICNUM INTEGER, CPNM TEXT)`,
		`INSERT INTO crop VALUES (1, 'AGRL'), (2, 'URML')`,
		`CREATE TABLE usersoil (OBJECTID INTEGER, SNAM TEXT)`,
		`INSERT INTO usersoil VALUES (1, 'ON1')`,
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}

	luPath := f.output(t, core.InputRef{Stage: LanduseLookup, Key: KeyLanduseLookup})
	soilPath := f.output(t, core.InputRef{Stage: SoilLookup, Key: KeySoilLookup})
	for p, tab := range map[string]*lookup.Table{
		luPath:   {Header: [2]string{"LANDUSE_ID", "SWAT_CODE"}, Rows: []lookup.Row{{Code: 1, Label: "AGRL"}, {Code: 5, Label: "URHD", Base: "URML"}}},
		soilPath: {Header: [2]string{"SOIL_ID", "SNAM"}, Rows: []lookup.Row{{Code: 3, Label: "ON1"}}},
	} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := lookup.Write(p, tab); err != nil {
			t.Fatal(err)
		}
	}

	f.mustRun(t, RefDB)

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM crop WHERE CPNM = 'URHD' AND ICNUM = 3`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("cloned URHD rows = %d, %v", n, err)
	}
	audit, err := refdb.ReadAudit(f.output(t, core.InputRef{Stage: RefDB, Key: KeyRefDBAudit}))
	if err != nil {
		t.Fatal(err)
	}
	if len(audit.Entries) != 1 || audit.Entries[0].Key != "URHD" {
		t.Fatalf("audit entries = %+v", audit.Entries)
	}
}

func TestRefDB_OpenFailureIsReported(t *testing.T) {
	f := newFixture(t, "refdb:\n  driver: odbc\n  dsn: 'Driver={Microsoft Access Driver (*.mdb)};Dbq=x.mdb'\n")
	want := errors.New("no odbc here")
	f.stages[RefDB] = newRefDB(f.cfg, func(ctx context.Context, driver, dsn string) (*sql.DB, error) {
		return nil, core.External(driver, "open", want)
	})
	luPath := f.output(t, core.InputRef{Stage: LanduseLookup, Key: KeyLanduseLookup})
	soilPath := f.output(t, core.InputRef{Stage: SoilLookup, Key: KeySoilLookup})
	for _, p := range []string{luPath, soilPath} {
		write(t, p, "ID,NAME\n1,A\n")
	}
	err := f.run(t, RefDB)
	if !errors.Is(err, core.ErrExternal) || !errors.Is(err, want) {
		t.Fatalf("expected external error wrapping cause, got %v", err)
	}
}
