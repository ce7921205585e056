package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
)

// NewMemoryBus returns an in-memory bus closed when the test ends.
func NewMemoryBus(t *testing.T) *bus.MemoryBus {
	t.Helper()

	b := bus.NewMemoryBus(zap.NewNop(), bus.MemoryOptions{RedeliveryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Recorder collects every event of one type published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

// Record subscribes a recorder to eventType under its own consumer group.
func Record(t *testing.T, b bus.Bus, eventType bus.EventType) *Recorder {
	t.Helper()

	r := &Recorder{}
	_, err := b.Subscribe(eventType, "recorder", func(_ context.Context, evt bus.Event) error {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return r
}

// Events returns a copy of the events seen so far.
func (r *Recorder) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}

// Len returns the number of events seen so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
