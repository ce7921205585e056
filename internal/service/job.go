package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/scheduler"
	"github.com/t77yq/jobflow/internal/storage"
)

const defaultMaxRetries = 3

// JobSpec describes a job to register
type JobSpec struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Type     string          `json:"type"`
	Target   string          `json:"target"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// MaxRetries defaults to 3 when nil
	MaxRetries *int              `json:"max_retries,omitempty"`
	Priority   model.JobPriority `json:"priority,omitempty"`
	// Disabled registers the job without scheduling it
	Disabled bool `json:"disabled,omitempty"`
}

// JobUpdate carries the fields to change; nil fields are left alone
type JobUpdate struct {
	Name       *string            `json:"name,omitempty"`
	Schedule   *string            `json:"schedule,omitempty"`
	Target     *string            `json:"target,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	MaxRetries *int               `json:"max_retries,omitempty"`
	Priority   *model.JobPriority `json:"priority,omitempty"`
}

// JobOption configures a JobService
type JobOption func(*JobService)

// WithClock overrides the time source
func WithClock(now func() time.Time) JobOption {
	return func(s *JobService) { s.now = now }
}

// WithIDGenerator overrides job ID generation
func WithIDGenerator(newID func() string) JobOption {
	return func(s *JobService) { s.newID = newID }
}

// WithJobTypes restricts registration to the given job types
func WithJobTypes(types ...string) JobOption {
	return func(s *JobService) {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// JobService registers job definitions and queries their instances
type JobService struct {
	logger *zap.Logger
	store  storage.JobStore
	now    func() time.Time
	newID  func() string
	types  map[string]bool
}

// NewJobService creates a job service
func NewJobService(store storage.JobStore, logger *zap.Logger, opts ...JobOption) *JobService {
	s := &JobService{
		logger: logger.Named("job-service"),
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob validates spec, computes the first fire time and stores the
// definition.
func (s *JobService) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	now := s.now().UTC()
	def := &model.JobDefinition{
		ID:         s.newID(),
		Name:       strings.TrimSpace(spec.Name),
		Schedule:   strings.TrimSpace(spec.Schedule),
		Type:       spec.Type,
		Target:     spec.Target,
		Payload:    spec.Payload,
		MaxRetries: defaultMaxRetries,
		Priority:   spec.Priority,
		Enabled:    !spec.Disabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if spec.MaxRetries != nil {
		def.MaxRetries = *spec.MaxRetries
	}
	if def.Priority == 0 {
		def.Priority = model.JobPriorityNormal
	}

	if err := s.validate(def); err != nil {
		return "", err
	}
	if def.Enabled {
		next, err := nextFire(def.Schedule, now)
		if err != nil {
			return "", err
		}
		def.NextFireAt = &next
	}

	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return "", err
	}

	s.logger.Info("Job created",
		zap.String("job_id", def.ID),
		zap.String("name", def.Name),
		zap.String("schedule", def.Schedule),
		zap.String("type", def.Type))
	return def.ID, nil
}

// UpdateJob edits a definition. A schedule change reschedules an enabled job
// from now.
func (s *JobService) UpdateJob(ctx context.Context, id string, upd JobUpdate) (*model.JobDefinition, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	rescheduled := false
	if upd.Name != nil {
		def.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Schedule != nil {
		schedule := strings.TrimSpace(*upd.Schedule)
		rescheduled = schedule != def.Schedule
		def.Schedule = schedule
	}
	if upd.Target != nil {
		def.Target = *upd.Target
	}
	if upd.Payload != nil {
		def.Payload = upd.Payload
	}
	if upd.MaxRetries != nil {
		def.MaxRetries = *upd.MaxRetries
	}
	if upd.Priority != nil {
		def.Priority = *upd.Priority
	}

	if err := s.validate(def); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if rescheduled && def.Enabled {
		next, err := nextFire(def.Schedule, now)
		if err != nil {
			return nil, err
		}
		def.NextFireAt = &next
	}
	def.UpdatedAt = now

	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.Info("Job updated", zap.String("job_id", def.ID), zap.Bool("rescheduled", rescheduled))
	return def, nil
}

// EnableJob schedules a job from now
func (s *JobService) EnableJob(ctx context.Context, id string) (*model.JobDefinition, error) {
	return s.setEnabled(ctx, id, true)
}

// DisableJob stops scheduling a job. Existing instances are not touched.
func (s *JobService) DisableJob(ctx context.Context, id string) (*model.JobDefinition, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *JobService) setEnabled(ctx context.Context, id string, enabled bool) (*model.JobDefinition, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Enabled == enabled {
		return def, nil
	}

	now := s.now().UTC()
	def.Enabled = enabled
	def.NextFireAt = nil
	if enabled {
		next, err := nextFire(def.Schedule, now)
		if err != nil {
			return nil, err
		}
		def.NextFireAt = &next
	}
	def.UpdatedAt = now

	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.Info("Job enabled state changed", zap.String("job_id", id), zap.Bool("enabled", enabled))
	return def, nil
}

// GetJob returns a definition by ID
func (s *JobService) GetJob(ctx context.Context, id string) (*model.JobDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// ListJobs lists definitions
func (s *JobService) ListJobs(ctx context.Context, enabledOnly bool) ([]*model.JobDefinition, error) {
	return s.store.ListDefinitions(ctx, enabledOnly)
}

// ListInstances lists instances matching filter
func (s *JobService) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.JobInstance, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, invalid("limit and offset must not be negative")
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalid("time range ends before it starts")
	}
	return s.store.ListInstances(ctx, filter)
}

// GetInstance returns an instance by ID
func (s *JobService) GetInstance(ctx context.Context, id string) (*model.JobInstance, error) {
	return s.store.GetInstance(ctx, id)
}

// CancelInstance kills a waiting instance or asks the running attempt to
// stop. It returns the status after the request.
func (s *JobService) CancelInstance(ctx context.Context, id string) (model.InstanceStatus, error) {
	st, err := s.store.CancelInstance(ctx, id, s.now().UTC())
	if err != nil {
		return st, err
	}
	s.logger.Info("Instance cancellation requested", zap.String("instance_id", id), zap.String("status", string(st)))
	return st, nil
}

func (s *JobService) validate(def *model.JobDefinition) error {
	if def.Name == "" {
		return invalid("name is required")
	}
	if def.Type == "" {
		return invalid("type is required")
	}
	if s.types != nil && !s.types[def.Type] {
		return invalid("unknown job type %q", def.Type)
	}
	if def.MaxRetries < 0 {
		return invalid("max_retries must not be negative")
	}
	if def.Priority < model.JobPriorityLow || def.Priority > model.JobPriorityHigh {
		return invalid("priority must be between %d and %d", model.JobPriorityLow, model.JobPriorityHigh)
	}
	if len(def.Payload) > 0 && !json.Valid(def.Payload) {
		return invalid("payload is not valid JSON")
	}
	if _, err := scheduler.ParseSchedule(def.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func nextFire(schedule string, now time.Time) (time.Time, error) {
	next, err := scheduler.NextFireTime(schedule, now)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoNextFire) || errors.Is(err, scheduler.ErrInvalidSchedule) {
			return time.Time{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return time.Time{}, err
	}
	return next.UTC(), nil
}
