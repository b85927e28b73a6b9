package refdb

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"hydroprep/internal/core"
)

// Entry is one appended row.
type Entry struct {
	Table     string
	KeyColumn string
	Key       string
	Base      string
}

// TableCount records how many rows a table had before the migration.
type TableCount struct {
	Table  string
	Before int
}

// Audit describes an applied migration.
type Audit struct {
	Tables  []TableCount
	Entries []Entry
}

var auditHeader = []string{"table", "key_column", "key", "base", "before_rows"}

// WriteAudit stores a as CSV. Each table gets one row with an empty key
// carrying its before count, followed by one row per appended key.
func WriteAudit(path string, a *Audit) error {
	before := map[string]int{}
	for _, t := range a.Tables {
		before[t.Table] = t.Before
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(auditHeader); err != nil {
		return err
	}
	for _, t := range a.Tables {
		if err := w.Write([]string{t.Table, "", "", "", strconv.Itoa(t.Before)}); err != nil {
			return err
		}
		for _, e := range a.Entries {
			if e.Table != t.Table {
				continue
			}
			if err := w.Write([]string{e.Table, e.KeyColumn, e.Key, e.Base, strconv.Itoa(before[e.Table])}); err != nil {
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return core.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// ReadAudit loads an audit written by WriteAudit.
func ReadAudit(path string) (*Audit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = len(auditHeader)
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading audit header: %w", err)
	}
	for i := range auditHeader {
		if head[i] != auditHeader[i] {
			return nil, fmt.Errorf("unexpected audit header %v", head)
		}
	}

	a := &Audit{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading audit: %w", err)
		}
		n, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("audit before_rows %q: %w", rec[4], err)
		}
		if rec[2] == "" {
			a.Tables = append(a.Tables, TableCount{Table: rec[0], Before: n})
			continue
		}
		a.Entries = append(a.Entries, Entry{Table: rec[0], KeyColumn: rec[1], Key: rec[2], Base: rec[3]})
	}
	return a, nil
}
