package model

import (
	"encoding/json"
	"time"
)

// JobPriority orders ready instances inside a dispatcher backlog. Higher runs first.
type JobPriority int

const (
	JobPriorityLow    JobPriority = 1
	JobPriorityNormal JobPriority = 2
	JobPriorityHigh   JobPriority = 3
)

// JobDefinition is the user-authored template describing what to run and when.
type JobDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Type       string          `json:"type"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	Priority   JobPriority     `json:"priority"`
	Enabled    bool            `json:"enabled"`

	// NextFireAt is advanced by the scheduler; nil while disabled.
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// InstanceStatus represents the lifecycle state of a JobInstance
type InstanceStatus string

const (
	InstanceStatusPending        InstanceStatus = "PENDING"
	InstanceStatusRunning        InstanceStatus = "RUNNING"
	InstanceStatusSucceeded      InstanceStatus = "SUCCEEDED"
	InstanceStatusRetryScheduled InstanceStatus = "RETRY_SCHEDULED"
	InstanceStatusDead           InstanceStatus = "DEAD"
)

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusPending:        {InstanceStatusRunning, InstanceStatusDead},
	InstanceStatusRunning:        {InstanceStatusSucceeded, InstanceStatusRetryScheduled, InstanceStatusDead},
	InstanceStatusRetryScheduled: {InstanceStatusRunning, InstanceStatusDead},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusSucceeded || s == InstanceStatusDead
}

// Claimable reports whether a dispatcher may claim an instance in this state.
func (s InstanceStatus) Claimable() bool {
	return s == InstanceStatusPending || s == InstanceStatusRetryScheduled
}

// ParseInstanceStatus validates a status string.
func ParseInstanceStatus(s string) (InstanceStatus, bool) {
	switch st := InstanceStatus(s); st {
	case InstanceStatusPending, InstanceStatusRunning, InstanceStatusSucceeded,
		InstanceStatusRetryScheduled, InstanceStatusDead:
		return st, true
	}
	return "", false
}

// Notification dispositions written back onto a JobInstance.
const (
	DispositionNotified     = "notified"
	DispositionNotifyFailed = "notify_failed"
)

// JobInstance is one scheduled occurrence of a JobDefinition
type JobInstance struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Status        InstanceStatus `json:"status"`
	Priority      JobPriority    `json:"priority"`
	AttemptCount  int            `json:"attempt_count"`
	MaxRetries    int            `json:"max_retries"`
	LastError     string         `json:"last_error,omitempty"`

	// Lease fields, set while RUNNING.
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Disposition     string     `json:"disposition,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MaxAttempts is the total number of executions the instance may receive.
func (i *JobInstance) MaxAttempts() int {
	return i.MaxRetries + 1
}

// Exhausted reports whether the attempt budget is used up.
func (i *JobInstance) Exhausted() bool {
	return i.AttemptCount >= i.MaxAttempts()
}

// LeaseToken identifies the holder of a RUNNING instance for one attempt.
type LeaseToken struct {
	InstanceID string
	WorkerID   string
	Attempt    int
}

// Token returns the lease token of the current claim.
func (i *JobInstance) Token() LeaseToken {
	return LeaseToken{InstanceID: i.ID, WorkerID: i.WorkerID, Attempt: i.AttemptCount}
}

// InstanceFilter narrows ListInstances
type InstanceFilter struct {
	JobID  string
	Status []InstanceStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Execution is what a job strategy receives for a single attempt.
type Execution struct {
	Instance   *JobInstance
	Definition *JobDefinition
}
