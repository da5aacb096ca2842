package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// JobID is an identifier assigned by the remote job service.
type JobID uint64

func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID parses the decimal form returned by JobID.String.
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return JobID(n), nil
}

// ModelID identifies a registered model on the remote service.
type ModelID uint64

type JobStatus string

const (
	StatusPending    JobStatus = "Pending"
	StatusInProgress JobStatus = "In Progress"
	StatusPaused     JobStatus = "Paused"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
	StatusStopped    JobStatus = "Stopped"
	StatusUnknown    JobStatus = "Unknown"
)

// IsTerminal reports whether no further progress will occur for the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ParseJobStatus maps a status received from the remote service. Values
// outside of the known set become StatusUnknown.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "Pending":
		return StatusPending
	case "In Progress", "InProgress":
		return StatusInProgress
	case "Paused":
		return StatusPaused
	case "Completed":
		return StatusCompleted
	case "Failed":
		return StatusFailed
	case "Stopped":
		return StatusStopped
	}
	return StatusUnknown
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	*s = ParseJobStatus(string(b))
	return nil
}

// JobProgress advances while a job is in progress.
type JobProgress struct {
	Completed        int `json:"completed"`
	Target           int `json:"target"`
	CallErrors       int `json:"call_errors"`
	InvalidResponses int `json:"invalid_responses"`
}

// Job is a snapshot of the remote job record. It is never written locally,
// except for the fail-safe Failed snapshot the poller synthesizes.
type Job struct {
	ID           JobID           `json:"id"`
	ModelID      ModelID         `json:"model_id"`
	Owner        string          `json:"owner"`
	Status       JobStatus       `json:"status"`
	StatusDetail string          `json:"status_detail,omitempty"`
	JobType      json.RawMessage `json:"job_type,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Progress     JobProgress     `json:"progress"`
}
