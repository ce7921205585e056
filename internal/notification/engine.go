// Package notification delivers outcome notifications over pluggable
// channels with linear backoff and dead-lettering.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/config"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/status"
	"github.com/t77yq/jobflow/internal/storage"
)

const consumerGroup = "notification"

var (
	// ErrUnknownChannel is returned when no sender serves a channel
	ErrUnknownChannel = errors.New("unknown notification channel")

	// ErrInvalidRequest is returned by Send for requests that can never be delivered
	ErrInvalidRequest = errors.New("invalid notification request")
)

// Sender delivers a notification over one channel
type Sender interface {
	Send(ctx context.Context, req *model.NotificationRequest) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, req *model.NotificationRequest) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, req *model.NotificationRequest) error {
	return f(ctx, req)
}

// SendRequest is the input of Engine.Send
type SendRequest struct {
	Channel   model.Channel `json:"channel"`
	Recipient string        `json:"recipient"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`

	// MaxRetries defaults to the engine's configured value when nil
	MaxRetries *int `json:"max_retries,omitempty"`
	// ScheduledAt defaults to now
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`

	SourceInstanceID string `json:"source_instance_id,omitempty"`
	DedupeKey        string `json:"dedupe_key,omitempty"`
}

// Options tunes the engine
type Options struct {
	Workers           int
	BatchSize         int
	SweepInterval     time.Duration
	RetryInterval     time.Duration
	AttemptTimeout    time.Duration
	DefaultMaxRetries int
}

// OptionsFromConfig maps the notification config section to Options
func OptionsFromConfig(cfg config.NotificationConfig) Options {
	return Options{
		Workers:           cfg.Workers,
		BatchSize:         cfg.BatchSize,
		SweepInterval:     cfg.SweepInterval,
		RetryInterval:     cfg.RetryInterval,
		AttemptTimeout:    cfg.AttemptTimeout,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides request and rule ID generation
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithSender registers a sender for channel
func WithSender(channel model.Channel, s Sender) Option {
	return func(e *Engine) { e.senders[channel] = s }
}

// Engine owns notification requests from submission to their final state
type Engine struct {
	logger  *zap.Logger
	store   storage.NotificationStore
	bus     bus.Bus
	updater status.Updater
	opts    Options
	now     func() time.Time
	newID   func() string

	sendersMu sync.RWMutex
	senders   map[model.Channel]Sender

	rulesMu sync.RWMutex
	rules   map[string]*model.NotificationRule

	mu     sync.Mutex
	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a notification engine. updater may be nil when
// dispositions are not tracked.
func NewEngine(store storage.NotificationStore, b bus.Bus, updater status.Updater, opts Options, logger *zap.Logger, engineOpts ...Option) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.RetryInterval < 0 {
		opts.RetryInterval = 0
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}

	e := &Engine{
		logger:  logger.Named("notification"),
		store:   store,
		bus:     b,
		updater: updater,
		opts:    opts,
		now:     time.Now,
		newID:   uuid.NewString,
		senders: make(map[model.Channel]Sender),
		rules:   make(map[string]*model.NotificationRule),
	}
	for _, opt := range engineOpts {
		opt(e)
	}
	return e
}

// RegisterSender sets the sender used for channel
func (e *Engine) RegisterSender(channel model.Channel, s Sender) {
	e.sendersMu.Lock()
	defer e.sendersMu.Unlock()
	e.senders[channel] = s
}

func (e *Engine) sender(channel model.Channel) (Sender, bool) {
	e.sendersMu.RLock()
	defer e.sendersMu.RUnlock()
	s, ok := e.senders[channel]
	return s, ok
}

// Start subscribes to execution outcomes and starts the pending sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return errors.New("notification engine already started")
	}

	sub, err := e.bus.Subscribe(bus.EventExecutionOutcome, consumerGroup, e.handleOutcome)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.EventExecutionOutcome, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.sub = sub
	e.cancel = cancel

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.logger.Info("Notification engine started",
		zap.Int("workers", e.opts.Workers),
		zap.Int("rules", len(e.ListRules())))
	return nil
}

// Stop unsubscribes and waits for the sweep to finish
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, sub := e.cancel, e.sub
	e.cancel, e.sub = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		e.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("Notification engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Notification sweep failed", zap.Error(err))
			}
		}
	}
}

// Send validates and persists a PENDING request and returns its ID. With a
// dedupe key that already exists the error wraps storage.ErrDuplicate.
func (e *Engine) Send(ctx context.Context, in SendRequest) (string, error) {
	if err := validate(in); err != nil {
		return "", err
	}

	now := e.now().UTC()
	req := &model.NotificationRequest{
		ID:               e.newID(),
		Channel:          in.Channel,
		Recipient:        strings.TrimSpace(in.Recipient),
		Subject:          in.Subject,
		Body:             in.Body,
		Status:           model.NotificationPending,
		MaxRetries:       e.opts.DefaultMaxRetries,
		ScheduledAt:      now,
		CreatedAt:        now,
		SourceInstanceID: in.SourceInstanceID,
		DedupeKey:        in.DedupeKey,
	}
	if in.MaxRetries != nil {
		req.MaxRetries = *in.MaxRetries
	}
	if !in.ScheduledAt.IsZero() {
		req.ScheduledAt = in.ScheduledAt.UTC()
	}

	if err := e.store.CreateNotification(ctx, req); err != nil {
		return "", err
	}

	e.logger.Debug("Notification queued",
		zap.String("id", req.ID),
		zap.String("channel", string(req.Channel)),
		zap.String("recipient", req.Recipient),
		zap.Time("scheduled_at", req.ScheduledAt))
	return req.ID, nil
}

func validate(in SendRequest) error {
	switch in.Channel {
	case model.ChannelEmail, model.ChannelSMS, model.ChannelPush:
	default:
		return fmt.Errorf("%w: unsupported channel %q", ErrInvalidRequest, in.Channel)
	}
	if strings.TrimSpace(in.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(in.Recipient, "\r\n") || strings.ContainsAny(in.Subject, "\r\n") {
		return fmt.Errorf("%w: recipient and subject must be a single line", ErrInvalidRequest)
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRequest)
	}
	return nil
}

// AttemptDelivery makes one delivery attempt and persists the result. A
// failed delivery is not an error: it is recorded on req as a reschedule or
// as a dead letter. Only store failures are returned.
func (e *Engine) AttemptDelivery(ctx context.Context, req *model.NotificationRequest) error {
	attempt := model.NotificationAttempt{
		RequestID: req.ID,
		Attempt:   req.RetryCount + 1,
	}

	sendErr := e.deliver(ctx, req)
	now := e.now().UTC()
	attempt.AttemptedAt = now

	if sendErr == nil {
		req.Status = model.NotificationSent
		req.SentAt = &now
		req.Error = ""
		if err := e.record(ctx, req, attempt, nil); err != nil {
			return ignoreLostClaim(err)
		}
		e.logger.Info("Notification sent",
			zap.String("id", req.ID),
			zap.String("channel", string(req.Channel)),
			zap.Int("attempt", attempt.Attempt))
		e.updateDisposition(ctx, req, model.DispositionNotified)
		return nil
	}

	attempt.Error = sendErr.Error()
	req.Error = sendErr.Error()

	retry := !errors.Is(sendErr, ErrUnknownChannel)
	if retry {
		req.RetryCount++
	}
	if retry && req.RetryCount < req.MaxRetries {
		req.Status = model.NotificationPending
		req.ScheduledAt = now.Add(Delay(req.RetryCount, e.opts.RetryInterval))
		if err := e.record(ctx, req, attempt, nil); err != nil {
			return ignoreLostClaim(err)
		}
		e.logger.Warn("Notification delivery failed, rescheduled",
			zap.String("id", req.ID),
			zap.Int("retry_count", req.RetryCount),
			zap.Time("scheduled_at", req.ScheduledAt),
			zap.Error(sendErr))
		return nil
	}

	req.Status = model.NotificationFailed
	dl := &model.DeadLetter{
		RequestID:  req.ID,
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		Error:      req.Error,
		RetryCount: req.RetryCount,
		FailedAt:   now,
	}
	if err := e.record(ctx, req, attempt, dl); err != nil {
		return ignoreLostClaim(err)
	}
	e.logger.Error("Notification failed permanently",
		zap.String("id", req.ID),
		zap.String("channel", string(req.Channel)),
		zap.Int("retry_count", req.RetryCount),
		zap.Error(sendErr))

	e.publishDeadLetter(ctx, dl)
	e.updateDisposition(ctx, req, model.DispositionNotifyFailed)
	return nil
}

// record persists the attempt. On any error nothing is written and the
// request stays PENDING under its claim, so it is retried once the claim
// lapses.
func (e *Engine) record(ctx context.Context, req *model.NotificationRequest, attempt model.NotificationAttempt, dl *model.DeadLetter) error {
	if err := e.store.RecordAttempt(ctx, req, attempt, dl); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.logger.Warn("Notification claim lost, attempt discarded",
				zap.String("id", req.ID),
				zap.Int("attempt", attempt.Attempt))
		}
		return err
	}
	return nil
}

// ignoreLostClaim drops ErrConflict: another engine owns the request now.
func ignoreLostClaim(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

// Delay is the linear backoff before retry number retryCount
func Delay(retryCount int, interval time.Duration) time.Duration {
	return time.Duration(retryCount) * interval
}

func (e *Engine) deliver(ctx context.Context, req *model.NotificationRequest) (err error) {
	s, ok := e.sender(req.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, req.Channel)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return s.Send(ctx, req)
}

func (e *Engine) publishDeadLetter(ctx context.Context, dl *model.DeadLetter) {
	history, err := e.store.NotificationAttempts(ctx, dl.RequestID)
	if err != nil {
		e.logger.Warn("Failed to load attempt history", zap.String("id", dl.RequestID), zap.Error(err))
	}
	dl.History = history

	if err := bus.Publish(ctx, e.bus, bus.EventNotificationDead, dl.RequestID, dl); err != nil {
		e.logger.Warn("Failed to publish dead letter",
			zap.String("id", dl.RequestID),
			zap.Error(err))
	}
}

func (e *Engine) updateDisposition(ctx context.Context, req *model.NotificationRequest, disposition string) {
	if e.updater == nil || req.SourceInstanceID == "" {
		return
	}
	res := e.updater.Update(ctx, req.SourceInstanceID, disposition)
	if !res.Applied {
		e.logger.Warn("Disposition not applied",
			zap.String("instance_id", req.SourceInstanceID),
			zap.String("disposition", disposition),
			zap.String("fallback", res.Fallback),
			zap.Error(res.Err))
	}
}

// ProcessPending claims due PENDING requests and delivers them on the
// worker pool until nothing due is left. It returns the number of attempts.
func (e *Engine) ProcessPending(ctx context.Context) (int, error) {
	rounds := (e.opts.BatchSize + e.opts.Workers - 1) / e.opts.Workers
	claimFor := e.opts.AttemptTimeout * time.Duration(rounds+1)

	total := 0
	for ctx.Err() == nil {
		reqs, err := e.store.ClaimDueNotifications(ctx, e.now().UTC(), claimFor, e.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(reqs) == 0 {
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(e.opts.Workers)
		for _, req := range reqs {
			req := req
			g.Go(func() error {
				return e.AttemptDelivery(ctx, req)
			})
		}
		total += len(reqs)
		if err := g.Wait(); err != nil {
			return total, err
		}
		if len(reqs) < e.opts.BatchSize {
			break
		}
	}

	if total > 0 {
		e.logger.Debug("Processed pending notifications", zap.Int("count", total))
	}
	return total, nil
}

// GetByStatus lists requests in status, oldest first
func (e *Engine) GetByStatus(ctx context.Context, st model.NotificationStatus, limit int) ([]*model.NotificationRequest, error) {
	return e.store.NotificationsByStatus(ctx, st, limit)
}

// DeadLetters lists dead-lettered requests, newest first
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	return e.store.DeadLetters(ctx, limit)
}
