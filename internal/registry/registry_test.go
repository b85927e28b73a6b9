package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"hydroprep/internal/core"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	r, err := New(root, filepath.Join(root, "metadata"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestLookup_DeclaredKeyReturnsExactPath(t *testing.T) {
	r := newRegistry(t)
	if err := r.Declare("get_dem", []core.Artifact{
		{Key: "dem", Path: "data/dem.tif", Kind: core.KindRaster, Description: "clipped DEM"},
	}); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	got, err := r.Lookup("get_dem", "dem")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "data/dem.tif" {
		t.Fatalf("Lookup = %q, want data/dem.tif", got)
	}
}

func TestLookup_UnknownKeyIsMissingArtifact(t *testing.T) {
	r := newRegistry(t)
	if err := r.Declare("get_dem", []core.Artifact{{Key: "dem", Path: "data/dem.tif", Kind: core.KindRaster}}); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	_, err := r.Lookup("get_dem", "nonexistent")
	var missing *core.MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingArtifactError, got %v", err)
	}
	if missing.Stage != "get_dem" || missing.Key != "nonexistent" {
		t.Fatalf("unexpected error fields: %+v", missing)
	}
}

func TestLookup_UndeclaredStageIsMissingArtifact(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Lookup("soils", "soils")
	if !errors.Is(err, core.ErrMissingArtifact) {
		t.Fatalf("expected ErrMissingArtifact, got %v", err)
	}
}

func TestDeclare_ReplacesWholeSnapshot(t *testing.T) {
	r := newRegistry(t)
	first := []core.Artifact{
		{Key: "landuse", Path: "data/landuse.tif", Kind: core.KindRaster},
		{Key: "legend", Path: "data/legend.csv", Kind: core.KindTable},
	}
	if err := r.Declare("landuse", first); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	second := []core.Artifact{{Key: "landuse", Path: "v2/landuse.tif", Kind: core.KindRaster}}
	if err := r.Declare("landuse", second); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	snap, err := r.Load("landuse")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(snap.Entries, second) {
		t.Fatalf("snapshot = %+v, want %+v", snap.Entries, second)
	}
	if _, err := r.Lookup("landuse", "legend"); !errors.Is(err, core.ErrMissingArtifact) {
		t.Fatalf("stale key should be gone, got %v", err)
	}
}

func TestDeclare_IdempotentBytes(t *testing.T) {
	r := newRegistry(t)
	entries := []core.Artifact{{Key: "streams", Path: "shapes/streams.shp", Kind: core.KindVector, Description: "lines, with comma"}}
	if err := r.Declare("streams", entries); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	a, _ := os.ReadFile(r.TablePath("streams"))
	if err := r.Declare("streams", entries); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	b, _ := os.ReadFile(r.TablePath("streams"))
	if string(a) != string(b) {
		t.Fatalf("re-declaration changed bytes:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(string(a), "key,path,type,description\n") {
		t.Fatalf("missing header: %q", a)
	}
}

func TestDeclare_RejectsInvalidEntries(t *testing.T) {
	r := newRegistry(t)
	cases := map[string][]core.Artifact{
		"absolute path": {{Key: "dem", Path: "/abs/dem.tif", Kind: core.KindRaster}},
		"duplicate key": {
			{Key: "dem", Path: "a.tif", Kind: core.KindRaster},
			{Key: "dem", Path: "b.tif", Kind: core.KindRaster},
		},
		"unknown kind": {{Key: "dem", Path: "a.tif", Kind: "bitmap"}},
	}
	for name, entries := range cases {
		if err := r.Declare("dem", entries); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := r.Declare("../escape", nil); err == nil {
		t.Error("expected error for stage name with separator")
	}
}

func TestRequire_DeclaredButDeletedFile(t *testing.T) {
	r := newRegistry(t)
	if err := r.Declare("dem", []core.Artifact{{Key: "dem", Path: "data/dem.tif", Kind: core.KindRaster}}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	_, err := r.Require(core.InputRef{Stage: "dem", Key: "dem"})
	var missing *core.MissingArtifactError
	if !errors.As(err, &missing) || missing.Path != "data/dem.tif" {
		t.Fatalf("expected missing file error, got %v", err)
	}

	abs := r.Resolve("data/dem.tif")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("tif"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := r.Require(core.InputRef{Stage: "dem", Key: "dem"})
	if err != nil || got != abs {
		t.Fatalf("Require = %q, %v", got, err)
	}
}
