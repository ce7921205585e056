package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamName       = "JOBFLOW"
	subjectPrefix    = "jobflow"
	streamMaxAge     = 24 * time.Hour
	streamDuplicates = 2 * time.Minute
	operationTimeout = 30 * time.Second
)

// NATSOptions tunes a NATSBus
type NATSOptions struct {
	// AckWait is how long a delivery may stay unacknowledged before redelivery.
	AckWait time.Duration
	// MaxDeliver bounds deliveries per consumer group.
	MaxDeliver int
	// Storage selects file or memory backed streams.
	Storage nats.StorageType
}

// NATSBus is a Bus backed by a JetStream stream. Consumer groups map to
// durable queue consumers, one per event type. Consumers outlive their
// subscribers; removing one is an operator action.
type NATSBus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	opts   NATSOptions

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NewNATSBus creates the event stream if needed and returns a bus using it.
func NewNATSBus(js nats.JetStreamContext, logger *zap.Logger, opts NATSOptions) (*NATSBus, error) {
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}

	b := &NATSBus{
		js:     js,
		logger: logger.Named("nats-bus"),
		opts:   opts,
		subs:   make(map[*nats.Subscription]struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := b.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return b, nil
}

func (b *NATSBus) setupStream(ctx context.Context) error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    b.opts.Storage,
		MaxAge:     streamMaxAge,
		Duplicates: streamDuplicates,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			b.logger.Info("Stream already exists", zap.String("stream", streamName))
			return nil
		}
		return err
	}

	b.logger.Info("Stream created successfully", zap.String("stream", streamName))
	return nil
}

// Publish implements Bus.Publish. The event ID doubles as the JetStream
// message ID so republishing within the duplicate window is a no-op.
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(subject(evt.Type, evt.Key), data, nats.MsgId(evt.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe
func (b *NATSBus) Subscribe(eventType EventType, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	durable := consumerName(eventType, group)
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := b.ensureConsumer(ctx, eventType, durable); err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	// Bind leaves the durable consumer in place when this member
	// unsubscribes, so the rest of the group keeps receiving.
	sub, err := b.js.QueueSubscribe(
		filterSubject(eventType),
		durable,
		b.callback(eventType, group, handler),
		nats.Bind(streamName, durable),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s/%s: %w", eventType, group, err)
	}
	b.subs[sub] = struct{}{}

	b.logger.Debug("Subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("group", group),
		zap.String("consumer", durable))
	return &natsSubscription{bus: b, sub: sub}, nil
}

// ensureConsumer creates the durable push consumer shared by a queue group
// unless it already exists.
func (b *NATSBus) ensureConsumer(ctx context.Context, eventType EventType, durable string) error {
	_, err := b.js.ConsumerInfo(streamName, durable, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}

	_, err = b.js.AddConsumer(streamName, &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: nats.NewInbox(),
		DeliverGroup:   durable,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        b.opts.AckWait,
		MaxDeliver:     b.opts.MaxDeliver,
		FilterSubject:  filterSubject(eventType),
	}, nats.Context(ctx))
	if err != nil {
		// another member may have created it first
		if _, infoErr := b.js.ConsumerInfo(streamName, durable, nats.Context(ctx)); infoErr == nil {
			return nil
		}
		return err
	}

	b.logger.Info("Consumer created",
		zap.String("stream", streamName),
		zap.String("consumer", durable))
	return nil
}

func (b *NATSBus) callback(eventType EventType, group string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			_ = msg.Term()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.AckWait)
		defer cancel()

		if err := invokeHandler(ctx, handler, evt); err != nil {
			b.logger.Warn("Event handler failed",
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(eventType)),
				zap.String("group", group),
				zap.Error(err))
			_ = msg.Nak()
			return
		}
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ack event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
}

// Close unsubscribes every consumer. The JetStream connection belongs to
// the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

type natsSubscription struct {
	bus *NATSBus
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s.sub]; !ok {
		s.bus.mu.Unlock()
		return nil
	}
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()

	return s.sub.Unsubscribe()
}

func invokeHandler(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func subject(eventType EventType, key string) string {
	if key == "" {
		key = "_"
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, eventType, key)
}

func filterSubject(eventType EventType) string {
	return fmt.Sprintf("%s.%s.*", subjectPrefix, eventType)
}

func consumerName(eventType EventType, group string) string {
	return fmt.Sprintf("%s_%s", group, eventType)
}
