package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheMode selects how the driver decides a stage is up to date.
type CacheMode string

const (
	// CachePresence skips a stage when every declared output exists.
	CachePresence CacheMode = "presence"
	// CacheFingerprint additionally requires the stored input fingerprint
	// to match the current one.
	CacheFingerprint CacheMode = "fingerprint"
)

// ParseCacheMode validates a configured cache mode. Empty means presence.
func ParseCacheMode(raw string) (CacheMode, error) {
	switch m := CacheMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return CachePresence, nil
	case CachePresence, CacheFingerprint:
		return m, nil
	default:
		return "", fmt.Errorf("invalid cache mode %q (expected presence|fingerprint)", raw)
	}
}

// NeedsRun reports whether any of the given root-relative paths is absent.
//
// Presence on disk is the only signal: a stale output is never detected.
// Bundle outputs are committed with their main file last, so an interrupted
// commit reads as absent.
func NeedsRun(root string, paths []string) (bool, error) {
	for _, p := range paths {
		_, err := os.Stat(Resolve(root, p))
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("checking %s: %w", p, err)
	}
	return false, nil
}

// bundleSidecars lists the companion extensions of multi-file formats, keyed
// by the extension of the main file.
var bundleSidecars = map[string][]string{
	".shp": {".shx", ".dbf", ".prj", ".cpg"},
}

// BundleFiles returns path plus any companion files that exist on disk.
// The main file is always last.
func BundleFiles(path string) []string {
	ext := strings.ToLower(filepath.Ext(path))
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	var out []string
	for _, side := range bundleSidecars[ext] {
		p := stem + side
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return append(out, path)
}

// Stamp records the fingerprint a stage was last run with.
type Stamp struct {
	Stage       string      `msgpack:"stage"`
	Fingerprint Fingerprint `msgpack:"fingerprint"`
	Outputs     []string    `msgpack:"outputs"`
}

// StampStore persists stamps as msgpack files, one per stage:
//
//	{Dir}/{stage}.stamp
type StampStore struct {
	Dir string
}

func NewStampStore(dir string) *StampStore {
	return &StampStore{Dir: dir}
}

func (s *StampStore) path(stage string) string {
	return filepath.Join(s.Dir, stage+".stamp")
}

// Get returns the stored stamp for stage. ok is false when none exists.
func (s *StampStore) Get(stage string) (stamp Stamp, ok bool, err error) {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stamp{}, false, nil
		}
		return Stamp{}, false, fmt.Errorf("reading stamp: %w", err)
	}
	if err := msgpack.Unmarshal(data, &stamp); err != nil {
		return Stamp{}, false, fmt.Errorf("decoding stamp for %q: %w", stage, err)
	}
	return stamp, true, nil
}

// Put replaces the stamp for stamp.Stage.
func (s *StampStore) Put(stamp Stamp) error {
	if stamp.Stage == "" {
		return fmt.Errorf("stamp stage is required")
	}
	data, err := msgpack.Marshal(&stamp)
	if err != nil {
		return fmt.Errorf("encoding stamp: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating stamp dir: %w", err)
	}
	return WriteFileAtomic(s.path(stamp.Stage), data, 0o644)
}
