package model

import (
	"time"
)

// OutcomeResult is the coarse result of one execution attempt
type OutcomeResult string

const (
	OutcomeSuccess OutcomeResult = "SUCCESS"
	OutcomeFailure OutcomeResult = "FAILURE"
)

// Outcome is returned by job strategies. Expected failures are carried in
// Err instead of being raised.
type Outcome struct {
	OK     bool
	Err    string
	Output []byte
}

// Succeeded builds a successful Outcome.
func Succeeded(output []byte) Outcome {
	return Outcome{OK: true, Output: output}
}

// Failed builds a failed Outcome from an error.
func Failed(err error) Outcome {
	if err == nil {
		return Outcome{Err: "unknown failure"}
	}
	return Outcome{Err: err.Error()}
}

// ExecutionOutcome is emitted once per execution attempt.
type ExecutionOutcome struct {
	InstanceID string         `json:"instance_id"`
	JobID      string         `json:"job_id"`
	JobName    string         `json:"job_name,omitempty"`
	Attempt    int            `json:"attempt"`
	Result     OutcomeResult  `json:"result"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Status     InstanceStatus `json:"status"`
	Terminal   bool           `json:"terminal"`
	Timestamp  time.Time      `json:"timestamp"`
}
