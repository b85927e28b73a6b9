// Package refdb patches the plugin's reference database with the labels a
// project's lookup tables need.
//
// The patch is an explicit, append-only migration: Plan compares the lookup
// labels with the rows already in a table, Apply clones the missing rows from
// their base rows inside one transaction and returns an Audit describing what
// was appended, and Revert deletes exactly those rows again.
//
// Drivers are selected by name through database/sql: "odbc" for Access
// files, "sqlite" for plugin versions that ship SQLite. The program registers
// them; this package does not import any driver.
package refdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"hydroprep/internal/core"
	"hydroprep/internal/lookup"
)

// TableSpec names a reference table and its key columns.
type TableSpec struct {
	Name string
	// KeyColumn holds the label a lookup row refers to (CPNM, SNAM).
	KeyColumn string
	// IDColumn, when set, is a numeric row id that cloned rows receive as
	// max+1.
	IDColumn string
}

// Plugin tables fed by the land-use and soil lookups.
var (
	CropTable     = TableSpec{Name: "crop", KeyColumn: "CPNM", IDColumn: "ICNUM"}
	UsersoilTable = TableSpec{Name: "usersoil", KeyColumn: "SNAM", IDColumn: "OBJECTID"}
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (t TableSpec) validate() error {
	for _, id := range []string{t.Name, t.KeyColumn} {
		if !identRE.MatchString(id) {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	if t.IDColumn != "" && !identRE.MatchString(t.IDColumn) {
		return fmt.Errorf("invalid identifier %q", t.IDColumn)
	}
	return nil
}

// quote brackets an identifier. Both Access and SQLite accept [name].
func quote(id string) string { return "[" + id + "]" }

// Clone is one row to append: a copy of Base with the key set to Key.
type Clone struct {
	Key  string
	Base string
}

// Plan is the before/after description of one table's migration.
type Plan struct {
	Table  TableSpec
	Before int
	Append []Clone
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool { return len(p.Append) == 0 }

// Open connects with a registered database/sql driver and pings it.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, core.External(driver, "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.External(driver, "ping", err)
	}
	return db, nil
}

// Migrator runs migrations against one database.
type Migrator struct {
	DB     *sql.DB
	Logger *slog.Logger
}

// NewMigrator returns a migrator. A nil logger discards output.
func NewMigrator(db *sql.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Migrator{DB: db, Logger: logger}
}

// Plan works out which labels of rows are missing from t. Every missing
// label must name a Base that exists in the table; otherwise there is
// nothing to clone it from and planning fails.
func (m *Migrator) Plan(ctx context.Context, t TableSpec, rows []lookup.Row) (*Plan, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	existing, err := m.keys(ctx, t)
	if err != nil {
		return nil, err
	}
	p := &Plan{Table: t, Before: len(existing)}

	wanted := map[string]string{}
	for _, r := range rows {
		if _, ok := existing[r.Label]; ok {
			continue
		}
		if prev, dup := wanted[r.Label]; dup && prev != r.Base {
			return nil, fmt.Errorf("%s: label %q has conflicting bases %q and %q", t.Name, r.Label, prev, r.Base)
		}
		wanted[r.Label] = r.Base
	}
	labels := make([]string, 0, len(wanted))
	for l := range wanted {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	for _, l := range labels {
		base := wanted[l]
		if base == "" {
			return nil, fmt.Errorf("%s: label %q is not in the table and has no base row to clone", t.Name, l)
		}
		if _, ok := existing[base]; !ok {
			return nil, fmt.Errorf("%s: base row %q for label %q does not exist", t.Name, base, l)
		}
		p.Append = append(p.Append, Clone{Key: l, Base: base})
	}
	return p, nil
}

func (m *Migrator) keys(ctx context.Context, t TableSpec) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", quote(t.KeyColumn), quote(t.Name))
	rows, err := m.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, core.External("refdb", "read "+t.Name, err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var k sql.NullString
		if err := rows.Scan(&k); err != nil {
			return nil, core.External("refdb", "scan "+t.Name, err)
		}
		if k.Valid {
			out[k.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.External("refdb", "read "+t.Name, err)
	}
	return out, nil
}

// Apply executes plans in one transaction. Either every clone is appended or
// none is.
func (m *Migrator) Apply(ctx context.Context, plans []*Plan) (*Audit, error) {
	audit := &Audit{}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.External("refdb", "begin", err)
	}
	defer tx.Rollback()

	for _, p := range plans {
		audit.Tables = append(audit.Tables, TableCount{Table: p.Table.Name, Before: p.Before})
		for _, c := range p.Append {
			if err := cloneRow(ctx, tx, p.Table, c); err != nil {
				return nil, err
			}
			audit.Entries = append(audit.Entries, Entry{
				Table: p.Table.Name, KeyColumn: p.Table.KeyColumn, Key: c.Key, Base: c.Base,
			})
			m.Logger.Info("cloned reference row", "table", p.Table.Name, "key", c.Key, "base", c.Base)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, core.External("refdb", "commit", err)
	}
	return audit, nil
}

// rowSource is the part of *sql.Rows firstRow reads.
type rowSource interface {
	Next() bool
	Err() error
	Scan(dest ...any) error
	Close() error
}

// firstRow scans the first of rows into n values and closes rows. An
// iteration error is returned as is, never as an empty result.
func firstRow(rows rowSource, n int) (vals []any, found bool, err error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals = make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, true, err
	}
	return vals, true, nil
}

func cloneRow(ctx context.Context, tx *sql.Tx, t TableSpec, c Clone) error {
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(t.Name), quote(t.KeyColumn))
	rows, err := tx.QueryContext(ctx, q, c.Base)
	if err != nil {
		return core.External("refdb", "read base "+c.Base, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return core.External("refdb", "columns "+t.Name, err)
	}
	vals, found, err := firstRow(rows, len(cols))
	if err != nil {
		return core.External("refdb", "read base "+c.Base, err)
	}
	if !found {
		return fmt.Errorf("%s: base row %q disappeared", t.Name, c.Base)
	}

	var nextID int64
	if t.IDColumn != "" {
		// Access has no COALESCE, so the increment happens here.
		var maxID sql.NullInt64
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", quote(t.IDColumn), quote(t.Name))
		if err := tx.QueryRowContext(ctx, q).Scan(&maxID); err != nil {
			return core.External("refdb", "next id "+t.Name, err)
		}
		nextID = maxID.Int64 + 1
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quote(col)
		marks[i] = "?"
		switch {
		case strings.EqualFold(col, t.KeyColumn):
			vals[i] = c.Key
		case t.IDColumn != "" && strings.EqualFold(col, t.IDColumn):
			vals[i] = nextID
		}
	}
	ins := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, ins, vals...); err != nil {
		return core.External("refdb", "append "+c.Key, err)
	}
	return nil
}

// Revert deletes every row an audit recorded as appended, in one
// transaction.
func (m *Migrator) Revert(ctx context.Context, a *Audit) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return core.External("refdb", "begin", err)
	}
	defer tx.Rollback()

	for _, e := range a.Entries {
		if !identRE.MatchString(e.Table) || !identRE.MatchString(e.KeyColumn) {
			return fmt.Errorf("audit entry has invalid identifiers: %+v", e)
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(e.Table), quote(e.KeyColumn))
		if _, err := tx.ExecContext(ctx, q, e.Key); err != nil {
			return core.External("refdb", "delete "+e.Key, err)
		}
		m.Logger.Info("removed reference row", "table", e.Table, "key", e.Key)
	}
	if err := tx.Commit(); err != nil {
		return core.External("refdb", "commit", err)
	}
	return nil
}
