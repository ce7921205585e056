package model

import "time"

// Channel selects the delivery strategy of a notification
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
)

// NotificationStatus represents the delivery state of a notification
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

// ParseNotificationStatus validates a status string.
func ParseNotificationStatus(s string) (NotificationStatus, bool) {
	switch st := NotificationStatus(s); st {
	case NotificationPending, NotificationSent, NotificationFailed:
		return st, true
	}
	return "", false
}

// NotificationRequest is a single message owned by the notification engine
type NotificationRequest struct {
	ID          string             `json:"id"`
	Channel     Channel            `json:"channel"`
	Recipient   string             `json:"recipient"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Status      NotificationStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	CreatedAt   time.Time          `json:"created_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	Error       string             `json:"error_message,omitempty"`

	// SourceInstanceID links the request back to the job instance that caused it.
	SourceInstanceID string `json:"source_instance_id,omitempty"`
	DedupeKey        string `json:"dedupe_key,omitempty"`

	// ClaimedUntil guards against two engines delivering the same request.
	ClaimedUntil *time.Time `json:"-"`
}

// NotificationAttempt records one delivery attempt.
type NotificationAttempt struct {
	RequestID   string    `json:"request_id"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// DeadLetter is the terminal record of a notification that will not be retried.
type DeadLetter struct {
	RequestID  string                `json:"request_id"`
	Channel    Channel               `json:"channel"`
	Recipient  string                `json:"recipient"`
	Subject    string                `json:"subject"`
	Error      string                `json:"error"`
	RetryCount int                   `json:"retry_count"`
	History    []NotificationAttempt `json:"history,omitempty"`
	FailedAt   time.Time             `json:"failed_at"`
}

// NotificationRule decides which execution outcomes produce a notification.
type NotificationRule struct {
	ID        string    `json:"id" mapstructure:"id"`
	Name      string    `json:"name" mapstructure:"name"`
	JobID     string    `json:"job_id,omitempty" mapstructure:"job_id"`
	OnSuccess bool      `json:"on_success" mapstructure:"on_success"`
	OnFailure bool      `json:"on_failure" mapstructure:"on_failure"`
	OnDead    bool      `json:"on_dead" mapstructure:"on_dead"`
	Channel   Channel   `json:"channel" mapstructure:"channel"`
	Recipient string    `json:"recipient" mapstructure:"recipient"`
	Silenced  bool      `json:"silenced" mapstructure:"silenced"`
	CreatedAt time.Time `json:"created_at" mapstructure:"-"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"-"`
}

// Matches reports whether the rule fires for outcome.
func (r *NotificationRule) Matches(o *ExecutionOutcome) bool {
	if r.Silenced {
		return false
	}
	if r.JobID != "" && r.JobID != o.JobID {
		return false
	}
	switch {
	case o.Result == OutcomeSuccess:
		return r.OnSuccess
	case o.Status == InstanceStatusDead:
		return r.OnDead || r.OnFailure
	default:
		return r.OnFailure
	}
}
