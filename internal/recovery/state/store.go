package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hydroprep/internal/core"
)

// Store keeps run state under:
//
//	<stateDir>/runs/<run-id>/{run.json,failure.json,trace.json}
//
// Records are written to a temp file and renamed into place.
type Store struct {
	stateDir string
}

func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	return &Store{stateDir: stateDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.stateDir, "runs")
}

// RunDir returns the directory holding runID's records.
func (s *Store) RunDir(runID string) string { return s.runDir(runID) }

// ListRunIDs returns the run IDs present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	root := s.runsRootDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if name == "" {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) tracePath(runID string) string {
	return filepath.Join(s.runDir(runID), "trace.json")
}

// SaveRun writes run.json after validating run.
func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.saveJSON(run.RunID, s.runPath(run.RunID), "run", run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.loadJSON(runID, s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("run %s on disk: %w", runID, err)
	}
	return run, nil
}

// SaveFailure writes failure.json for runID.
func (s *Store) SaveFailure(runID string, failure Failure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.saveJSON(runID, s.failurePath(runID), "failure", failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if err := s.loadJSON(runID, s.failurePath(runID), &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("failure of run %s on disk: %w", runID, err)
	}
	return failure, nil
}

// SaveTrace stores the canonical trace bytes of a run.
func (s *Store) SaveTrace(runID string, data []byte) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := writeRecord(s.runDir(runID), s.tracePath(runID), data); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

func (s *Store) saveJSON(runID, path, what string, v any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	data, err := jsonMarshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if err := writeRecord(s.runDir(runID), path, data); err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	return nil
}

func (s *Store) loadJSON(runID, path string, dst any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	return readJSONStrict(path, dst)
}

func (s *Store) LoadTrace(runID string) ([]byte, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	return os.ReadFile(s.tracePath(runID))
}

// LatestRun returns the run with the latest start time. Ties go to the
// greater run ID. Directories without a readable run.json are ignored.
func (s *Store) LatestRun() (Run, bool, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return Run{}, false, err
	}
	var (
		best  Run
		found bool
	)
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			continue
		}
		if !found || run.StartTime.After(best.StartTime) ||
			(run.StartTime.Equal(best.StartTime) && run.RunID > best.RunID) {
			best, found = run, true
		}
	}
	return best, found, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

// writeRecord creates the run directory and writes data atomically.
func writeRecord(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return core.WriteFileAtomic(path, data, 0o644)
}
