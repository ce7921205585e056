package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sequence struct {
	N int `json:"n"`
}

func newTestMemoryBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(zap.NewNop(), MemoryOptions{RedeliveryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBus_PerKeyOrdering(t *testing.T) {
	b := newTestMemoryBus(t)

	var mu sync.Mutex
	got := map[string][]int{}
	_, err := b.Subscribe(EventExecutionOutcome, "collector", func(_ context.Context, evt Event) error {
		var s sequence
		require.NoError(t, evt.Decode(&s))
		mu.Lock()
		got[evt.Key] = append(got[evt.Key], s.N)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	keys := []string{"a", "b", "c"}
	for i := 0; i < 50; i++ {
		for _, k := range keys {
			require.NoError(t, Publish(context.Background(), b, EventExecutionOutcome, k, sequence{N: i}))
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			if len(got[k]) != 50 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		for i, n := range got[k] {
			assert.Equal(t, i, n, "key %s out of order", k)
		}
	}
}

func TestMemoryBus_FanOutAcrossGroups(t *testing.T) {
	b := newTestMemoryBus(t)

	var dispatcher, monitor atomic.Int32
	_, err := b.Subscribe(EventInstanceReady, "dispatcher", func(context.Context, Event) error {
		dispatcher.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(EventInstanceReady, "monitor", func(context.Context, Event) error {
		monitor.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, Publish(context.Background(), b, EventInstanceReady, fmt.Sprintf("inst-%d", i), InstanceReady{}))
	}

	require.Eventually(t, func() bool {
		return dispatcher.Load() == 10 && monitor.Load() == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_GroupMembersShareLoad(t *testing.T) {
	b := newTestMemoryBus(t)

	var first, second atomic.Int32
	_, err := b.Subscribe(EventInstanceReady, "dispatcher", func(context.Context, Event) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(EventInstanceReady, "dispatcher", func(context.Context, Event) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, Publish(context.Background(), b, EventInstanceReady, fmt.Sprintf("inst-%d", i), InstanceReady{}))
	}

	require.Eventually(t, func() bool {
		return first.Load()+second.Load() == 100
	}, 2*time.Second, 10*time.Millisecond)

	// each event goes to exactly one member
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(100), first.Load()+second.Load())
}

func TestMemoryBus_RedeliversOnError(t *testing.T) {
	b := newTestMemoryBus(t)

	var calls atomic.Int32
	_, err := b.Subscribe(EventNotificationDead, "ops", func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), b, EventNotificationDead, "req-1", map[string]string{"id": "req-1"}))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMemoryBus_GivesUpAfterMaxDeliver(t *testing.T) {
	b := NewMemoryBus(zap.NewNop(), MemoryOptions{MaxDeliver: 2, RedeliveryDelay: time.Millisecond})
	defer b.Close()

	var calls atomic.Int32
	_, err := b.Subscribe(EventNotificationDead, "ops", func(context.Context, Event) error {
		calls.Add(1)
		panic("broken handler")
	})
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), b, EventNotificationDead, "req-1", nil))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryBus_UnsubscribeAndClose(t *testing.T) {
	b := NewMemoryBus(zap.NewNop(), MemoryOptions{})

	var calls atomic.Int32
	sub, err := b.Subscribe(EventInstanceReady, "dispatcher", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, Publish(context.Background(), b, EventInstanceReady, "inst-1", InstanceReady{}))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, Publish(context.Background(), b, EventInstanceReady, "inst-1", InstanceReady{}), ErrClosed)
	_, err = b.Subscribe(EventInstanceReady, "dispatcher", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
