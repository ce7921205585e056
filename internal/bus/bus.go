// Package bus decouples the scheduler, dispatcher and notification engine.
//
// Delivery is at-least-once: consumers must be idempotent and rely on
// instance and notification state transitions to drop duplicates. Events
// sharing a key (the job instance ID) are delivered in publish order to a
// consumer group; there is no ordering across keys.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a stream of events. Values are single NATS subject tokens.
type EventType string

const (
	EventInstanceReady    EventType = "instance_ready"
	EventExecutionOutcome EventType = "execution_outcome"
	EventNotificationDead EventType = "notification_dead"
	EventMetrics          EventType = "metrics"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus
var ErrClosed = errors.New("bus closed")

// Event is the envelope carried by every bus implementation
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent marshals payload into a new event keyed by key.
func NewEvent(eventType EventType, key string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Key:       key,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// InstanceReady announces a job instance that can be claimed.
type InstanceReady struct {
	InstanceID    string    `json:"instance_id"`
	JobID         string    `json:"job_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Priority      int       `json:"priority"`
}

// Handler consumes one event. A non-nil error requests redelivery.
type Handler func(ctx context.Context, evt Event) error

// Subscription is an active consumer registration
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes typed events to consumer groups. Every group subscribed to
// an event type receives each event; members of one group share the load.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(eventType EventType, group string, handler Handler) (Subscription, error)
	Close() error
}

// Publish is a convenience wrapper building and publishing an event.
func Publish(ctx context.Context, b Bus, eventType EventType, key string, payload any) error {
	evt, err := NewEvent(eventType, key, payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, evt)
}
