// Package lookup reconciles raster class codes against a reference table.
package lookup

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"hydroprep/internal/core"
)

// Row maps one raster class code to a label understood by the plugin.
type Row struct {
	Code  int
	Label string
	// Base names an existing reference-database row that Label is cloned
	// from when the database does not have Label yet. Optional.
	Base string
}

// Table is an ordered set of rows with unique codes.
type Table struct {
	// Header names the code and label columns when the table is written.
	Header [2]string
	Rows   []Row
}

// ByCode indexes the rows by code.
func (t *Table) ByCode() map[int]Row {
	m := make(map[int]Row, len(t.Rows))
	for _, r := range t.Rows {
		m[r.Code] = r
	}
	return m
}

// Codes returns the codes of t in row order.
func (t *Table) Codes() []int {
	out := make([]int, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Code
	}
	return out
}

// Read loads a reference CSV. The first column holds integer codes, the
// second labels, and an optional third column the clone base. The header row
// is kept so the reconciled table is written with the same column names.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, filepath.Base(path))
}

func parse(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty lookup table", name)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(head) < 2 {
		return nil, fmt.Errorf("%s: header needs code and label columns, got %v", name, head)
	}
	t := &Table{Header: [2]string{strings.TrimPrefix(head[0], "\ufeff"), head[1]}}

	seen := map[int]int{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%s line %d: want at least 2 columns, got %d", name, line, len(rec))
		}
		code, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: code %q is not an integer", name, line, rec[0])
		}
		if prev, dup := seen[code]; dup {
			return nil, fmt.Errorf("%s line %d: code %d already defined on line %d", name, line, code, prev)
		}
		seen[code] = line
		row := Row{Code: code, Label: strings.TrimSpace(rec[1])}
		if len(rec) > 2 {
			row.Base = strings.TrimSpace(rec[2])
		}
		if row.Label == "" {
			return nil, fmt.Errorf("%s line %d: empty label for code %d", name, line, code)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Reconcile returns the rows of ref for every code in codes, sorted by code.
// Any code ref does not define is fatal: the error is an UnmappedClassError
// listing all of them.
func Reconcile(name string, codes []int, ref *Table) (*Table, error) {
	idx := ref.ByCode()
	out := &Table{Header: ref.Header}
	var missing []int
	seen := map[int]struct{}{}
	for _, c := range codes {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		row, ok := idx[c]
		if !ok {
			missing = append(missing, c)
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return nil, &core.UnmappedClassError{Table: name, Codes: missing}
	}
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].Code < out.Rows[j].Code })
	return out, nil
}

// Write stores t as CSV. The base column is written only when some row has
// one.
func Write(path string, t *Table) error {
	withBase := false
	for _, r := range t.Rows {
		withBase = withBase || r.Base != ""
	}
	head := []string{t.Header[0], t.Header[1]}
	if head[0] == "" {
		head[0] = "code"
	}
	if head[1] == "" {
		head[1] = "label"
	}
	if withBase {
		head = append(head, "base")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(head); err != nil {
		return err
	}
	for _, r := range t.Rows {
		rec := []string{strconv.Itoa(r.Code), r.Label}
		if withBase {
			rec = append(rec, r.Base)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return core.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
