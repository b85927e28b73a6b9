package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes run.json and failure.json for pipeline runs.
type Recorder struct {
	Store *Store
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func NewRunID() string { return uuid.NewString() }

// PrepareRun marks run as running without persisting it. It fills in the
// ID, start time and the link to the previous run when those are unset.
func (r *Recorder) PrepareRun(run *Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	if run.PreviousRunID == nil {
		prev, ok, err := r.Store.LatestRun()
		if err != nil {
			return fmt.Errorf("finding previous run: %w", err)
		}
		if ok {
			id := prev.RunID
			run.PreviousRunID = &id
		}
	}
	run.Status = RunRunning
	run.EndTime = nil
	return nil
}

// StartRun prepares run and persists it as running.
func (r *Recorder) StartRun(run *Run) error {
	if err := r.PrepareRun(run); err != nil {
		return err
	}
	return r.Store.SaveRun(*run)
}

// FinishRun marks run as ended with status.
func (r *Recorder) FinishRun(run *Run, status RunStatus) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	end := r.now()
	run.EndTime = &end
	run.Status = status
	return r.Store.SaveRun(*run)
}

// RecordFailure classifies err and writes it as the run's failure.
func (r *Recorder) RecordFailure(runID string, err error) (Failure, error) {
	if r == nil || r.Store == nil {
		return Failure{}, errors.New("Store is required")
	}
	f, ferr := Classify(err)
	if ferr != nil {
		return Failure{}, ferr
	}
	return f, r.Store.SaveFailure(runID, f)
}
