// Package scheduler turns job definitions into job instances when their
// cron schedule fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/storage"
)

// Scheduler fires due job definitions. Several schedulers may tick against
// the same store: instance creation is keyed by (job, scheduled time) and
// the fire time advance is a compare-and-swap, so each occurrence yields
// exactly one instance.
type Scheduler struct {
	logger *zap.Logger
	store  storage.JobStore
	bus    bus.Bus

	now          func() time.Time
	newID        func() string
	tickInterval time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source used by the runner.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithIDGenerator overrides instance ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Scheduler) { s.newID = newID }
}

// WithTickInterval sets how often the runner calls Tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= time.Second {
			s.tickInterval = d
		}
	}
}

// New creates a scheduler
func New(store storage.JobStore, b bus.Bus, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       logger.Named("scheduler"),
		store:        store,
		bus:          b,
		now:          time.Now,
		newID:        uuid.NewString,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick creates one instance for every enabled definition due at now and
// returns how many instances this call created. Failures on one definition
// do not stop the others; they are retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	defs, err := s.store.DueDefinitions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load due definitions: %w", err)
	}

	created := 0
	var errs []error
	for _, def := range defs {
		ok, err := s.fire(ctx, def, now)
		if err != nil {
			s.logger.Error("Failed to fire job",
				zap.String("job_id", def.ID),
				zap.String("name", def.Name),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, def *model.JobDefinition, now time.Time) (bool, error) {
	fireAt := def.NextFireAt.UTC()

	// Missed occurrences between fireAt and now collapse into this one.
	next, err := NextFireTime(def.Schedule, now)
	if err != nil && !errors.Is(err, ErrNoNextFire) {
		return false, err
	}

	inst := &model.JobInstance{
		ID:            s.newID(),
		JobID:         def.ID,
		ScheduledTime: fireAt,
		Status:        model.InstanceStatusPending,
		Priority:      def.Priority,
		MaxRetries:    def.MaxRetries,
		CreatedAt:     now,
	}
	created := true
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return false, fmt.Errorf("failed to create instance: %w", err)
		}
		created = false
	}

	if next.IsZero() {
		retired, err := s.store.RetireDefinition(ctx, def.ID, fireAt, now)
		if err != nil {
			return created, fmt.Errorf("failed to disable job: %w", err)
		}
		if retired {
			s.logger.Warn("Schedule has no future fire time, disabling job",
				zap.String("job_id", def.ID),
				zap.String("schedule", def.Schedule))
		}
	} else {
		advanced, err := s.store.AdvanceFireTime(ctx, def.ID, fireAt, next)
		if err != nil {
			return created, err
		}
		if !advanced {
			s.logger.Debug("Fire time already advanced", zap.String("job_id", def.ID))
		}
	}

	if !created {
		return false, nil
	}

	s.logger.Info("Created job instance",
		zap.String("job_id", def.ID),
		zap.String("instance_id", inst.ID),
		zap.Time("scheduled_time", fireAt),
		zap.Time("next_fire_at", next))

	// The dispatcher sweep picks up instances whose event was lost.
	if err := bus.Publish(ctx, s.bus, bus.EventInstanceReady, inst.ID, bus.InstanceReady{
		InstanceID:    inst.ID,
		JobID:         inst.JobID,
		ScheduledTime: inst.ScheduledTime,
		Priority:      int(inst.Priority),
	}); err != nil {
		s.logger.Warn("Failed to publish instance ready",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
	return true, nil
}

// Start runs Tick on a cron runner until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	l := &cronLogger{logger: s.logger.Named("cron")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.tickInterval), func() {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.logger.Warn("Tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add tick job: %w", err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop stops the runner and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
