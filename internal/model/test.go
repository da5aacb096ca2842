package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestKind selects the evaluation sequence an execution unit runs.
type TestKind string

const (
	KindCAT          TestKind = "CAT"
	KindFairness     TestKind = "FAIRNESS"
	KindKaleidoscope TestKind = "KALEIDOSCOPE"
)

// Known reports whether the kind has an evaluation sequence.
func (k TestKind) Known() bool {
	switch k {
	case KindCAT, KindFairness, KindKaleidoscope:
		return true
	}
	return false
}

// TestRequest is built from user input and is not modified once launched.
// Shuffle applies to CAT, Dataset to FAIRNESS and Languages to KALEIDOSCOPE.
type TestRequest struct {
	Kind       TestKind `json:"kind"`
	ModelID    ModelID  `json:"model_id"`
	MaxQueries int      `json:"max_queries"`
	Seed       uint32   `json:"seed"`
	Shuffle    bool     `json:"shuffle,omitempty"`
	Dataset    []string `json:"dataset,omitempty"`
	Languages  []string `json:"languages,omitempty"`
}

// Validate checks the kind specific fields of a known kind. Unknown kinds
// pass, they are rejected by the execution unit.
func (r TestRequest) Validate() error {
	if !r.Kind.Known() {
		return nil
	}
	if r.MaxQueries <= 0 {
		return fmt.Errorf("%w: max_queries must be positive, got %d", ErrInvalidRequest, r.MaxQueries)
	}
	switch r.Kind {
	case KindFairness:
		if len(r.Dataset) == 0 {
			return fmt.Errorf("%w: %s requires at least one dataset", ErrInvalidRequest, r.Kind)
		}
	case KindKaleidoscope:
		if len(r.Languages) == 0 {
			return fmt.Errorf("%w: %s requires at least one language", ErrInvalidRequest, r.Kind)
		}
	}
	return nil
}

// ProcessEntry is the local bookkeeping of one in-flight dispatch.
// JobID is the latest job id, JobIDs holds all of them in registration
// order for multi-step runs.
type ProcessEntry struct {
	Kind    TestKind  `json:"kind"`
	RunID   uuid.UUID `json:"run_id"`
	JobID   JobID     `json:"job_id,omitempty"`
	JobIDs  []JobID   `json:"job_ids,omitempty"`
	Started time.Time `json:"started"`
}

// Outcome is the terminal report of an execution unit.
type Outcome struct {
	Kind    TestKind `json:"kind"`
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Err returns nil for a successful outcome.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", o.Kind, o.Error)
}
