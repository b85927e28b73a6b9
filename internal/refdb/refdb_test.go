package refdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	_ "modernc.org/sqlite"

	"hydroprep/internal/lookup"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "QSWATRef.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	stmts := []string{
		`CREATE TABLE crop (ICNUM INTEGER, CPNM TEXT, BIO_E REAL)`,
		`INSERT INTO crop VALUES (1, 'AGRL', 33.5), (2, 'FRSD', 15.0), (3, 'URML', 0)`,
		`CREATE TABLE usersoil (OBJECTID INTEGER, SNAM TEXT, NLAYERS INTEGER)`,
		`INSERT INTO usersoil VALUES (10, 'ON1', 3)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	return db
}

func cropKeys(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT CPNM FROM crop`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatal(err)
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPlan_OnlyMissingLabelsAreCloned(t *testing.T) {
	m := NewMigrator(openTestDB(t), nil)
	p, err := m.Plan(context.Background(), CropTable, []lookup.Row{
		{Code: 1, Label: "AGRL"},
		{Code: 5, Label: "URHD", Base: "URML"},
		{Code: 6, Label: "URHD", Base: "URML"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.Before != 3 {
		t.Fatalf("Before = %d, want 3", p.Before)
	}
	if want := []Clone{{Key: "URHD", Base: "URML"}}; !reflect.DeepEqual(p.Append, want) {
		t.Fatalf("Append = %+v, want %+v", p.Append, want)
	}
}

func TestPlan_MissingBaseFails(t *testing.T) {
	m := NewMigrator(openTestDB(t), nil)
	ctx := context.Background()
	if _, err := m.Plan(ctx, CropTable, []lookup.Row{{Code: 5, Label: "URHD"}}); err == nil {
		t.Fatal("expected error for label without base")
	}
	if _, err := m.Plan(ctx, CropTable, []lookup.Row{{Code: 5, Label: "URHD", Base: "NOPE"}}); err == nil {
		t.Fatal("expected error for unknown base")
	}
	if _, err := m.Plan(ctx, TableSpec{Name: "crop; DROP", KeyColumn: "CPNM"}, nil); err == nil {
		t.Fatal("expected error for invalid identifier")
	}
}

func TestApplyAndRevert(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, nil)
	ctx := context.Background()

	crop, err := m.Plan(ctx, CropTable, []lookup.Row{{Code: 5, Label: "URHD", Base: "URML"}})
	if err != nil {
		t.Fatalf("Plan crop: %v", err)
	}
	soil, err := m.Plan(ctx, UsersoilTable, []lookup.Row{{Code: 1, Label: "ON1"}})
	if err != nil {
		t.Fatalf("Plan usersoil: %v", err)
	}
	audit, err := m.Apply(ctx, []*Plan{crop, soil})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := cropKeys(t, db); !reflect.DeepEqual(got, []string{"AGRL", "FRSD", "URHD", "URML"}) {
		t.Fatalf("crop keys after apply = %v", got)
	}
	var id int
	var bio float64
	if err := db.QueryRow(`SELECT ICNUM, BIO_E FROM crop WHERE CPNM = 'URHD'`).Scan(&id, &bio); err != nil {
		t.Fatal(err)
	}
	if id != 4 || bio != 0 {
		t.Fatalf("cloned row = (%d, %v), want (4, 0)", id, bio)
	}

	path := filepath.Join(t.TempDir(), "refdb_audit.csv")
	if err := WriteAudit(path, audit); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	back, err := ReadAudit(path)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if !reflect.DeepEqual(back, audit) {
		t.Fatalf("audit round trip = %+v, want %+v", back, audit)
	}

	if err := m.Revert(ctx, back); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if got := cropKeys(t, db); !reflect.DeepEqual(got, []string{"AGRL", "FRSD", "URML"}) {
		t.Fatalf("crop keys after revert = %v", got)
	}
}

func TestApply_FailureLeavesTablesUntouched(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, nil)
	ctx := context.Background()
	good := &Plan{Table: CropTable, Append: []Clone{{Key: "URHD", Base: "URML"}}}
	bad := &Plan{Table: TableSpec{Name: "missing_table", KeyColumn: "K"}, Append: []Clone{{Key: "X", Base: "Y"}}}
	if _, err := m.Apply(ctx, []*Plan{good, bad}); err == nil {
		t.Fatal("expected error")
	}
	if got := cropKeys(t, db); !reflect.DeepEqual(got, []string{"AGRL", "FRSD", "URML"}) {
		t.Fatalf("crop keys after failed apply = %v", got)
	}
}

// failingRows ends iteration with a driver error.
type failingRows struct {
	err    error
	closed bool
}

func (r *failingRows) Next() bool        { return false }
func (r *failingRows) Err() error        { return r.err }
func (r *failingRows) Scan(...any) error { return errors.New("scan without row") }
func (r *failingRows) Close() error      { r.closed = true; return nil }

func TestFirstRow_ReportsIterationError(t *testing.T) {
	broken := errors.New("connection reset")
	rows := &failingRows{err: broken}
	_, found, err := firstRow(rows, 2)
	if !errors.Is(err, broken) {
		t.Fatalf("err = %v, want %v", err, broken)
	}
	if found {
		t.Fatal("found a row after an iteration error")
	}
	if !rows.closed {
		t.Fatal("rows left open")
	}
}

func TestFirstRow_EmptyResult(t *testing.T) {
	_, found, err := firstRow(&failingRows{}, 2)
	if err != nil || found {
		t.Fatalf("found=%v err=%v, want an empty result", found, err)
	}
}
