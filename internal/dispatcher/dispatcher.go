// Package dispatcher claims ready job instances and runs them on a bounded
// worker pool with leases, heartbeats and exponential retry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/storage"
)

const (
	consumerGroup           = "dispatcher"
	defaultExpectedDuration = 30 * time.Second
	minLeaseTTL             = time.Second
)

// Config defines configuration for the dispatcher
type Config struct {
	WorkerID     string
	Workers      int
	BacklogSize  int
	PollInterval time.Duration
	ReapInterval time.Duration

	// LeaseTTL and ExecutionTimeout default to twice the strategy's
	// expected duration when zero.
	LeaseTTL         time.Duration
	ExecutionTimeout time.Duration

	Backoff Backoff
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithResourceGuard throttles claiming on host load
func WithResourceGuard(g *ResourceGuard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// Dispatcher manages job instance execution
type Dispatcher struct {
	logger   *zap.Logger
	store    storage.JobStore
	bus      bus.Bus
	registry *Registry
	guard    *ResourceGuard
	cfg      Config
	now      func() time.Time

	backlog  *Backlog
	wake     chan struct{}
	inFlight atomic.Int32

	mu     sync.Mutex
	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher
func New(store storage.JobStore, b bus.Bus, registry *Registry, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}
	}

	d := &Dispatcher{
		logger:   logger.Named("dispatcher").With(zap.String("worker_id", cfg.WorkerID)),
		store:    store,
		bus:      b,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		backlog:  NewBacklog(cfg.BacklogSize),
		wake:     make(chan struct{}, cfg.Workers),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to instance_ready events and starts the worker pool,
// the sweep loop and the lease reaper.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return errors.New("dispatcher already started")
	}

	sub, err := d.bus.Subscribe(bus.EventInstanceReady, consumerGroup, d.handleReady)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.EventInstanceReady, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.sub = sub
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(2)
	go d.loop(ctx, d.cfg.PollInterval, "sweep", d.Sweep)
	go d.loop(ctx, d.cfg.ReapInterval, "reap", d.Reap)

	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Strings("job_types", d.registry.Types()))
	return nil
}

// Stop stops claiming and waits for running attempts to be recorded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, sub := d.cancel, d.sub
	d.cancel, d.sub = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		d.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	cancel()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Stats returns a snapshot of the worker pool
func (d *Dispatcher) Stats() *model.WorkerStats {
	stats := &model.WorkerStats{
		WorkerID:    d.cfg.WorkerID,
		InFlight:    int(d.inFlight.Load()),
		Backlog:     d.backlog.Len(),
		CollectedAt: d.now(),
	}
	if d.guard != nil {
		stats.CPUUsage, stats.MemoryUsage, _ = d.guard.Usage()
		stats.Throttled = !d.guard.Allow()
	}
	return stats
}

func (d *Dispatcher) handleReady(_ context.Context, evt bus.Event) error {
	var ready bus.InstanceReady
	if err := evt.Decode(&ready); err != nil {
		// Malformed events can never succeed; the sweep covers the instance.
		d.logger.Error("Dropping malformed instance ready event", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	if d.backlog.Push(ready.InstanceID, ready.Priority, ready.ScheduledTime) {
		d.signal()
	}
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) (int, error)) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("Background pass failed", zap.String("pass", name), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}

		for ctx.Err() == nil {
			if d.guard != nil && !d.guard.Allow() {
				// Items stay queued until the host recovers.
				break
			}
			id, ok := d.backlog.Pop()
			if !ok {
				break
			}
			if _, err := d.RunOnce(ctx, id); err != nil && !errors.Is(err, storage.ErrConflict) && ctx.Err() == nil {
				d.logger.Warn("Failed to run instance", zap.String("instance_id", id), zap.Error(err))
			}
		}
	}
}

// Sweep queues claimable instances that are due, covering lost events and
// retries whose backoff elapsed.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	free := d.backlog.Free()
	if free <= 0 {
		d.signal()
		return 0, nil
	}

	ready, err := d.store.ReadyInstances(ctx, d.now(), free)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, inst := range ready {
		if d.backlog.Push(inst.ID, int(inst.Priority), inst.ScheduledTime) {
			queued++
		}
	}
	if d.backlog.Len() > 0 {
		for i := 0; i < d.cfg.Workers; i++ {
			d.signal()
		}
	}
	return queued, nil
}

// Reap recovers RUNNING instances whose lease expired and emits an outcome
// for each recovered attempt.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	recovered, err := d.store.ExpireLeases(ctx, d.now())
	for _, inst := range recovered {
		out := &model.ExecutionOutcome{
			InstanceID: inst.ID,
			JobID:      inst.JobID,
			Attempt:    inst.AttemptCount,
			Result:     model.OutcomeFailure,
			Error:      inst.LastError,
			Status:     inst.Status,
			Terminal:   inst.Status.Terminal(),
			Timestamp:  d.now().UTC(),
		}
		if def, derr := d.store.GetDefinition(ctx, inst.JobID); derr == nil {
			out.JobName = def.Name
		}
		d.publishOutcome(ctx, out)

		if !out.Terminal && d.backlog.Push(inst.ID, int(inst.Priority), inst.ScheduledTime) {
			d.signal()
		}
	}
	return len(recovered), err
}

// RunOnce claims an instance and executes one attempt. It returns
// storage.ErrConflict when the instance is not claimable and
// storage.ErrLeaseLost when the lease expired before the result was recorded.
func (d *Dispatcher) RunOnce(ctx context.Context, instanceID string) (*model.ExecutionOutcome, error) {
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Claimable() {
		return nil, fmt.Errorf("instance %s is %s: %w", instanceID, inst.Status, storage.ErrConflict)
	}

	def, err := d.store.GetDefinition(ctx, inst.JobID)
	if err != nil {
		return nil, err
	}

	strategy, known := d.registry.Lookup(def.Type)
	ttl := d.leaseTTL(strategy)

	claimed, err := d.store.ClaimInstance(ctx, instanceID, d.cfg.WorkerID, d.now(), ttl)
	if err != nil {
		return nil, err
	}
	exec := &model.Execution{Instance: claimed, Definition: def}

	if !known {
		return d.bury(ctx, exec, fmt.Errorf("%w: %q", ErrUnknownJobType, def.Type))
	}
	return d.execute(ctx, exec, strategy, ttl)
}

func (d *Dispatcher) leaseTTL(s Strategy) time.Duration {
	if d.cfg.LeaseTTL > 0 {
		return d.cfg.LeaseTTL
	}
	ttl := 2 * expectedDuration(s)
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	return ttl
}

func (d *Dispatcher) executionTimeout(s Strategy) time.Duration {
	if d.cfg.ExecutionTimeout > 0 {
		return d.cfg.ExecutionTimeout
	}
	return 2 * expectedDuration(s)
}

func expectedDuration(s Strategy) time.Duration {
	if s == nil || s.ExpectedDuration() <= 0 {
		return defaultExpectedDuration
	}
	return s.ExpectedDuration()
}

func (d *Dispatcher) bury(ctx context.Context, exec *model.Execution, cause error) (*model.ExecutionOutcome, error) {
	inst := exec.Instance
	now := d.now()

	d.logger.Error("Burying instance",
		zap.String("instance_id", inst.ID),
		zap.String("job_type", exec.Definition.Type),
		zap.Error(cause))

	recordCtx := context.WithoutCancel(ctx)
	if err := d.store.BuryInstance(recordCtx, inst.Token(), cause.Error(), now); err != nil {
		return nil, err
	}

	out := &model.ExecutionOutcome{
		InstanceID: inst.ID,
		JobID:      inst.JobID,
		JobName:    exec.Definition.Name,
		Attempt:    inst.AttemptCount,
		Result:     model.OutcomeFailure,
		Error:      cause.Error(),
		Status:     model.InstanceStatusDead,
		Terminal:   true,
		Timestamp:  now.UTC(),
	}
	d.publishOutcome(recordCtx, out)
	return out, nil
}

func (d *Dispatcher) execute(ctx context.Context, exec *model.Execution, strategy Strategy, ttl time.Duration) (*model.ExecutionOutcome, error) {
	inst := exec.Instance
	token := inst.Token()
	timeout := d.executionTimeout(strategy)

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	d.logger.Info("Executing instance",
		zap.String("instance_id", inst.ID),
		zap.String("job_id", inst.JobID),
		zap.String("job_type", exec.Definition.Type),
		zap.Int("attempt", inst.AttemptCount),
		zap.Duration("lease_ttl", ttl))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cancelled atomic.Bool
	hbDone := make(chan struct{})
	go d.heartbeat(runCtx, cancel, token, ttl, &cancelled, hbDone)

	start := time.Now()
	outcome := d.invoke(runCtx, strategy, exec)
	duration := time.Since(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	<-hbDone

	if !outcome.OK {
		switch {
		case cancelled.Load():
			outcome.Err = "cancelled"
		case timedOut:
			outcome.Err = fmt.Sprintf("execution timed out after %s: %s", timeout, outcome.Err)
		}
	}

	// Results are recorded even when ctx is being cancelled for shutdown.
	recordCtx := context.WithoutCancel(ctx)
	now := d.now()

	out := &model.ExecutionOutcome{
		InstanceID: inst.ID,
		JobID:      inst.JobID,
		JobName:    exec.Definition.Name,
		Attempt:    inst.AttemptCount,
		DurationMs: duration.Milliseconds(),
		Timestamp:  now.UTC(),
	}

	var err error
	if outcome.OK {
		err = d.store.CompleteInstance(recordCtx, token, now)
		out.Result = model.OutcomeSuccess
		out.Status = model.InstanceStatusSucceeded
	} else {
		next := now
		if !inst.Exhausted() {
			next = now.Add(d.cfg.Backoff.NextRetry(inst.AttemptCount))
		}
		out.Status, err = d.store.FailInstance(recordCtx, token, outcome.Err, next, now)
		out.Result = model.OutcomeFailure
		out.Error = outcome.Err
	}
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			d.logger.Warn("Dropping late result, lease lost",
				zap.String("instance_id", inst.ID),
				zap.Int("attempt", inst.AttemptCount))
		}
		return nil, err
	}
	out.Terminal = out.Status.Terminal()

	d.logger.Info("Instance attempt finished",
		zap.String("instance_id", inst.ID),
		zap.Int("attempt", inst.AttemptCount),
		zap.String("result", string(out.Result)),
		zap.String("status", string(out.Status)),
		zap.Int64("duration_ms", out.DurationMs))

	d.publishOutcome(recordCtx, out)
	return out, nil
}

// invoke runs the strategy, converting panics into a failed outcome
func (d *Dispatcher) invoke(ctx context.Context, strategy Strategy, exec *model.Execution) (out model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Strategy panicked",
				zap.String("instance_id", exec.Instance.ID),
				zap.Any("panic", r))
			out = model.Outcome{Err: fmt.Sprintf("strategy panic: %v", r)}
		}
	}()
	return strategy.Run(ctx, exec)
}

// heartbeat renews the lease every ttl/3 and cancels the attempt when a
// cancellation is requested or the lease is lost.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, token model.LeaseToken, ttl time.Duration, cancelled *atomic.Bool, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := d.store.RenewLease(ctx, token, d.now(), ttl)
			if err != nil {
				if errors.Is(err, storage.ErrLeaseLost) {
					d.logger.Warn("Lease lost during execution", zap.String("instance_id", token.InstanceID))
					cancel()
					return
				}
				if ctx.Err() == nil {
					d.logger.Warn("Failed to renew lease", zap.String("instance_id", token.InstanceID), zap.Error(err))
				}
				continue
			}
			if cancelRequested {
				d.logger.Info("Cancellation requested", zap.String("instance_id", token.InstanceID))
				cancelled.Store(true)
				cancel()
				return
			}
		}
	}
}

func (d *Dispatcher) publishOutcome(ctx context.Context, out *model.ExecutionOutcome) {
	if err := bus.Publish(ctx, d.bus, bus.EventExecutionOutcome, out.InstanceID, out); err != nil {
		d.logger.Warn("Failed to publish execution outcome",
			zap.String("instance_id", out.InstanceID),
			zap.Int("attempt", out.Attempt),
			zap.Error(err))
	}
}
