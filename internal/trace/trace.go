// Package trace records the decisions the pipeline driver makes for each
// stage of a run: executed, cached, failed or skipped.
//
// A trace is stored next to the run record and answers "why did this
// artifact (not) get rebuilt". It holds no timestamps, so two runs that made
// the same decisions produce identical bytes.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// EventKind discriminates trace events. The values are part of the on-disk
// format; do not rename.
type EventKind string

const (
	EventStageCached   EventKind = "StageCached"
	EventStageExecuted EventKind = "StageExecuted"
	EventStageFailed   EventKind = "StageFailed"
	EventStageSkipped  EventKind = "StageSkipped"
)

// Reason codes used by the driver.
const (
	ReasonOutputsPresent     = "OutputsPresent"
	ReasonOutputsMissing     = "OutputsMissing"
	ReasonFingerprintChanged = "FingerprintChanged"
	ReasonUpstreamFailed     = "UpstreamFailed"
	ReasonRunAborted         = "RunAborted"
)

// Event is one logical decision about a stage.
type Event struct {
	Kind  EventKind `json:"kind"`
	Stage string    `json:"stage"`
	// Reason is a stable code, never an error string.
	Reason string `json:"reason,omitempty"`
	// Cause names the upstream stage behind a skip.
	Cause string `json:"cause,omitempty"`
	// Artifacts lists root-relative paths the stage declared.
	Artifacts []string `json:"artifacts,omitempty"`
}

// ExecutionTrace is the canonical record of one run.
type ExecutionTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks required fields.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts within events and events by
// (stage, kind order, reason, cause). Empty artifact slices become nil.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := append([]string(nil), t.Events[i].Artifacts...)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Cause < b.Cause
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStageCached:
		return 10
	case EventStageExecuted:
		return 20
	case EventStageFailed:
		return 30
	case EventStageSkipped:
		return 40
	default:
		return 1000
	}
}

// CanonicalJSON encodes a canonicalized copy of the trace.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex of the canonical encoding.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
