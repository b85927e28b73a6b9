// Package registry persists the metadata table each stage declares.
//
// One CSV file per stage lives at {Dir}/{stage}_metadata.csv with the header
// key,path,type,description. A declaration replaces the whole file; there are
// no partial updates.
package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"hydroprep/internal/core"
)

var header = []string{"key", "path", "type", "description"}

// Snapshot is the ordered row set of one stage's metadata table.
type Snapshot struct {
	Stage   string
	Entries []core.Artifact
}

// Get returns the entry for key.
func (s Snapshot) Get(key string) (core.Artifact, bool) {
	for _, e := range s.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return core.Artifact{}, false
}

// Registry reads and writes metadata tables under Dir. Paths stored in the
// tables are relative to Root.
type Registry struct {
	Root string
	Dir  string
}

// New returns a registry rooted at root whose tables live in dir.
func New(root, dir string) (*Registry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("project root is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("metadata dir is required")
	}
	return &Registry{Root: root, Dir: dir}, nil
}

// TablePath returns the location of stage's metadata table.
func (r *Registry) TablePath(stage string) string {
	return filepath.Join(r.Dir, stage+"_metadata.csv")
}

// Declare replaces stage's metadata table with entries.
func (r *Registry) Declare(stage string, entries []core.Artifact) error {
	if err := validateStageName(stage); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("declaring %s: %w", stage, err)
		}
		if _, dup := seen[e.Key]; dup {
			return fmt.Errorf("declaring %s: duplicate key %q", stage, e.Key)
		}
		seen[e.Key] = struct{}{}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Write([]string{e.Key, e.Path, string(e.Kind), e.Description}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding %s metadata: %w", stage, err)
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}
	if err := core.WriteFileAtomic(r.TablePath(stage), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s metadata: %w", stage, err)
	}
	return nil
}

// Load reads stage's metadata table. A stage that never declared anything
// yields a MissingArtifactError with an empty key.
func (r *Registry) Load(stage string) (Snapshot, error) {
	if err := validateStageName(stage); err != nil {
		return Snapshot{}, err
	}
	f, err := os.Open(r.TablePath(stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, &core.MissingArtifactError{Stage: stage}
		}
		return Snapshot{}, fmt.Errorf("opening %s metadata: %w", stage, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = len(header)
	first, err := cr.Read()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading %s metadata header: %w", stage, err)
	}
	for i := range header {
		if strings.TrimPrefix(first[i], "\ufeff") != header[i] {
			return Snapshot{}, fmt.Errorf("%s metadata: unexpected header %v", stage, first)
		}
	}

	snap := Snapshot{Stage: stage}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading %s metadata: %w", stage, err)
		}
		kind, err := core.ParseKind(rec[2])
		if err != nil {
			return Snapshot{}, fmt.Errorf("%s metadata: %w", stage, err)
		}
		a := core.Artifact{Key: rec[0], Path: rec[1], Kind: kind, Description: rec[3]}
		if err := a.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("%s metadata: %w", stage, err)
		}
		snap.Entries = append(snap.Entries, a)
	}
	return snap, nil
}

// Lookup returns the declared root-relative path of stage/key.
func (r *Registry) Lookup(stage, key string) (string, error) {
	snap, err := r.Load(stage)
	if err != nil {
		return "", err
	}
	a, ok := snap.Get(key)
	if !ok {
		return "", &core.MissingArtifactError{Stage: stage, Key: key}
	}
	return a.Path, nil
}

// Require resolves stage/key to an absolute path and checks the file exists.
func (r *Registry) Require(ref core.InputRef) (string, error) {
	rel, err := r.Lookup(ref.Stage, ref.Key)
	if err != nil {
		return "", err
	}
	abs := r.Resolve(rel)
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &core.MissingArtifactError{Stage: ref.Stage, Key: ref.Key, Path: rel}
		}
		return "", fmt.Errorf("checking %s: %w", ref, err)
	}
	return abs, nil
}

// Resolve joins a declared path onto the project root.
func (r *Registry) Resolve(rel string) string {
	return core.Resolve(r.Root, rel)
}

func validateStageName(stage string) error {
	if strings.TrimSpace(stage) == "" {
		return errors.New("stage name is required")
	}
	if strings.ContainsAny(stage, `/\`) || stage == "." || stage == ".." {
		return fmt.Errorf("stage name %q is not a valid file stem", stage)
	}
	return nil
}
