package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/jobflow/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key already exists
	ErrDuplicate = errors.New("duplicate key")

	// ErrConflict is returned when a compare-and-swap lost against another writer
	ErrConflict = errors.New("state conflict")

	// ErrLeaseLost is returned when the caller no longer holds the instance lease
	ErrLeaseLost = errors.New("lease lost")
)

// JobStore is the durable record of job definitions and instances. Every
// mutation is a single-row compare-and-swap.
type JobStore interface {
	// CreateDefinition inserts a new job definition
	CreateDefinition(ctx context.Context, def *model.JobDefinition) error

	// UpdateDefinition overwrites the editable fields of a definition
	UpdateDefinition(ctx context.Context, def *model.JobDefinition) error

	// GetDefinition retrieves a definition by ID
	GetDefinition(ctx context.Context, id string) (*model.JobDefinition, error)

	// ListDefinitions lists definitions ordered by name
	ListDefinitions(ctx context.Context, enabledOnly bool) ([]*model.JobDefinition, error)

	// DueDefinitions returns enabled definitions whose next fire time is <= now
	DueDefinitions(ctx context.Context, now time.Time) ([]*model.JobDefinition, error)

	// AdvanceFireTime moves next_fire_at from prev to next. It reports false
	// when another scheduler already advanced it.
	AdvanceFireTime(ctx context.Context, id string, prev, next time.Time) (bool, error)

	// RetireDefinition disables a definition whose schedule has no future
	// fire time, provided next_fire_at still equals prev. It reports false
	// when another writer changed the definition first.
	RetireDefinition(ctx context.Context, id string, prev, now time.Time) (bool, error)

	// CreateInstance inserts a PENDING instance. Returns ErrDuplicate when an
	// instance already exists for (job_id, scheduled_time).
	CreateInstance(ctx context.Context, inst *model.JobInstance) error

	// GetInstance retrieves an instance by ID
	GetInstance(ctx context.Context, id string) (*model.JobInstance, error)

	// ListInstances lists instances matching the filter, newest first
	ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.JobInstance, error)

	// ReadyInstances returns claimable instances that are due at now
	ReadyInstances(ctx context.Context, now time.Time, limit int) ([]*model.JobInstance, error)

	// ClaimInstance atomically moves a claimable instance to RUNNING and
	// increments its attempt count. Returns ErrConflict if it was not claimable.
	ClaimInstance(ctx context.Context, id, workerID string, now time.Time, ttl time.Duration) (*model.JobInstance, error)

	// RenewLease extends the lease held by token and reports whether a
	// cancellation was requested.
	RenewLease(ctx context.Context, token model.LeaseToken, now time.Time, ttl time.Duration) (bool, error)

	// CompleteInstance marks the attempt held by token SUCCEEDED
	CompleteInstance(ctx context.Context, token model.LeaseToken, now time.Time) error

	// FailInstance records a failed attempt. The instance becomes
	// RETRY_SCHEDULED at nextAttemptAt, or DEAD when the budget is exhausted
	// or cancellation was requested. The resulting status is returned.
	FailInstance(ctx context.Context, token model.LeaseToken, errMsg string, nextAttemptAt, now time.Time) (model.InstanceStatus, error)

	// BuryInstance moves the attempt held by token straight to DEAD
	BuryInstance(ctx context.Context, token model.LeaseToken, errMsg string, now time.Time) error

	// ExpireLeases recovers RUNNING instances whose lease ended before now
	ExpireLeases(ctx context.Context, now time.Time) ([]*model.JobInstance, error)

	// CancelInstance kills a waiting instance or flags a running one.
	// Returns the status after the request.
	CancelInstance(ctx context.Context, id string, now time.Time) (model.InstanceStatus, error)

	// SetDisposition records the notification disposition of an instance
	SetDisposition(ctx context.Context, id, disposition string) error
}

// NotificationStore persists notification requests and their history.
type NotificationStore interface {
	// CreateNotification inserts a request. Returns ErrDuplicate when the
	// dedupe key already exists.
	CreateNotification(ctx context.Context, req *model.NotificationRequest) error

	// GetNotification retrieves a request by ID
	GetNotification(ctx context.Context, id string) (*model.NotificationRequest, error)

	// NotificationsByStatus lists requests in a status, oldest first
	NotificationsByStatus(ctx context.Context, status model.NotificationStatus, limit int) ([]*model.NotificationRequest, error)

	// ClaimDueNotifications claims PENDING requests scheduled at or before now
	// for claimFor, so concurrent engines never deliver the same request.
	ClaimDueNotifications(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]*model.NotificationRequest, error)

	// RecordAttempt persists the state of req after a delivery attempt,
	// appends the attempt to its history, releases the claim and, when dl is
	// not nil, stores the dead letter. All of it commits together. Returns
	// ErrConflict when req is no longer PENDING under the claim it was read
	// with.
	RecordAttempt(ctx context.Context, req *model.NotificationRequest, attempt model.NotificationAttempt, dl *model.DeadLetter) error

	// NotificationAttempts returns the attempt history of a request
	NotificationAttempts(ctx context.Context, requestID string) ([]model.NotificationAttempt, error)

	// DeadLetters lists dead-letter records, newest first
	DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}
