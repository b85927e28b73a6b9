package core

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Kind is the human-readable type tag recorded for every artifact.
//
// The string values appear in metadata tables; do not rename.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindRaster    Kind = "raster"
	KindVector    Kind = "vector"
	KindTable     Kind = "table"
	KindProject   Kind = "project"
)

// ParseKind validates a type tag read from a metadata table.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(raw)); k {
	case KindDirectory, KindRaster, KindVector, KindTable, KindProject:
		return k, nil
	default:
		return "", fmt.Errorf("unknown artifact type %q", raw)
	}
}

// Artifact is a file or directory produced by a stage and declared in its
// outputs.
//
// Path is slash-separated and relative to the project root so metadata
// tables stay portable between machines.
type Artifact struct {
	Key         string
	Path        string
	Kind        Kind
	Description string
}

// Validate checks the artifact invariants enforced at declaration time.
func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return fmt.Errorf("artifact key is required")
	}
	if strings.ContainsAny(a.Key, ",\n\r") {
		return fmt.Errorf("artifact key %q contains a separator", a.Key)
	}
	if _, err := ParseKind(string(a.Kind)); err != nil {
		return fmt.Errorf("artifact %q: %w", a.Key, err)
	}
	if err := ValidateRelPath(a.Path); err != nil {
		return fmt.Errorf("artifact %q: %w", a.Key, err)
	}
	return nil
}

// ValidateRelPath rejects empty, absolute and root-escaping paths.
func ValidateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("path is required")
	}
	if filepath.IsAbs(p) || path.IsAbs(p) {
		return fmt.Errorf("path %q must be relative to the project root", p)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the project root", p)
	}
	return nil
}

// RelPath converts an absolute path under root into the slash-separated form
// stored in metadata tables.
func RelPath(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Resolve joins a metadata path onto the project root.
func Resolve(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// InputRef names an artifact declared by an upstream stage.
type InputRef struct {
	Stage string
	Key   string
}

func (r InputRef) String() string { return r.Stage + "/" + r.Key }
