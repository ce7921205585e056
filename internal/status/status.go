// Package status writes notification dispositions back to job instances.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/config"
	"github.com/t77yq/jobflow/internal/storage"
)

// Result describes what happened to one status update.
type Result struct {
	// Applied is true when the update reached the store
	Applied bool `json:"applied"`
	// Fallback names the fallback that took the update, if any
	Fallback string `json:"fallback,omitempty"`
	Err      error  `json:"-"`
}

// Updater records the disposition of a job instance.
type Updater interface {
	Update(ctx context.Context, instanceID, disposition string) Result
}

// Writer is the store capability an Updater needs.
type Writer interface {
	SetDisposition(ctx context.Context, id, disposition string) error
}

// StoreUpdater writes straight to the store
type StoreUpdater struct {
	writer Writer
}

// NewStoreUpdater creates an updater without a breaker
func NewStoreUpdater(writer Writer) *StoreUpdater {
	return &StoreUpdater{writer: writer}
}

// Update implements Updater
func (u *StoreUpdater) Update(ctx context.Context, instanceID, disposition string) Result {
	if err := u.writer.SetDisposition(ctx, instanceID, disposition); err != nil {
		return Result{Err: err}
	}
	return Result{Applied: true}
}

// BreakerUpdater guards the store with a circuit breaker. While the breaker
// is open, or when a write fails, the update goes to the fallback.
type BreakerUpdater struct {
	logger   *zap.Logger
	writer   Writer
	cb       *gobreaker.CircuitBreaker
	fallback Fallback
}

// NewBreakerUpdater creates a breaker-guarded updater
func NewBreakerUpdater(writer Writer, cfg config.BreakerConfig, fallback Fallback, logger *zap.Logger) *BreakerUpdater {
	logger = logger.Named("status-updater")

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if fallback == nil {
		fallback = NoopFallback{}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "disposition",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A missing instance is the caller's problem, not the store's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &BreakerUpdater{
		logger:   logger,
		writer:   writer,
		cb:       cb,
		fallback: fallback,
	}
}

// Update implements Updater
func (u *BreakerUpdater) Update(ctx context.Context, instanceID, disposition string) Result {
	_, err := u.cb.Execute(func() (interface{}, error) {
		return nil, u.writer.SetDisposition(ctx, instanceID, disposition)
	})
	if err == nil {
		return Result{Applied: true}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Err: err}
	}

	u.logger.Debug("Status update diverted to fallback",
		zap.String("instance_id", instanceID),
		zap.String("fallback", u.fallback.Name()),
		zap.Error(err))
	return u.fallback.Handle(ctx, instanceID, disposition, err)
}

// State reports the breaker state
func (u *BreakerUpdater) State() gobreaker.State {
	return u.cb.State()
}

// New builds the updater described by cfg. The returned queue is non-nil
// when the queue fallback is selected so the caller can drain it.
func New(writer Writer, cfg config.BreakerConfig, logger *zap.Logger) (*BreakerUpdater, *QueueFallback, error) {
	var (
		fallback Fallback
		queue    *QueueFallback
	)
	switch cfg.Fallback {
	case "", FallbackNoop:
		fallback = NoopFallback{}
	case FallbackLog:
		fallback = NewLogFallback(logger)
	case FallbackQueue:
		queue = NewQueueFallback(0, logger)
		fallback = queue
	default:
		return nil, nil, fmt.Errorf("unknown fallback %q", cfg.Fallback)
	}
	return NewBreakerUpdater(writer, cfg, fallback, logger), queue, nil
}
