package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Staging is a scratch directory beside a final output. Writers produce the
// whole output there, then Commit moves it into place.
type Staging struct {
	Dir    string
	target string
}

// NewStaging creates a scratch directory in the parent of target.
func NewStaging(target string) (*Staging, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(parent, ".staging-"+filepath.Base(target)+"-")
	if err != nil {
		return nil, err
	}
	return &Staging{Dir: dir, target: target}, nil
}

// Path returns where the staged copy of target lives.
func (s *Staging) Path() string {
	return filepath.Join(s.Dir, filepath.Base(s.target))
}

// Commit renames every staged file of the target's bundle into place.
// Companion files go first and the main file last, so the cache check only
// sees the output once the bundle is complete.
func (s *Staging) Commit() error {
	staged := BundleFiles(s.Path())
	stem := strings.TrimSuffix(s.target, filepath.Ext(s.target))
	for _, src := range staged {
		dst := stem + filepath.Ext(src)
		if src == s.Path() {
			dst = s.target
			if info, err := os.Stat(src); err == nil && info.IsDir() {
				if err := os.RemoveAll(dst); err != nil {
					return fmt.Errorf("replacing %s: %w", filepath.Base(dst), err)
				}
			}
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("committing %s: %w", filepath.Base(dst), err)
		}
	}
	return s.Cleanup()
}

// Cleanup removes the scratch directory. It is safe to call after Commit.
func (s *Staging) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	return os.RemoveAll(s.Dir)
}
