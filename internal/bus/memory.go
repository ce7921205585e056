package bus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryOptions tunes a MemoryBus
type MemoryOptions struct {
	// Lanes is the number of ordered delivery goroutines per group.
	Lanes int
	// LaneBuffer is the channel capacity of each lane; a full lane blocks Publish.
	LaneBuffer int
	// MaxDeliver bounds delivery attempts of one event to one group.
	MaxDeliver int
	// RedeliveryDelay is waited between failed attempts.
	RedeliveryDelay time.Duration
}

// DefaultMemoryOptions returns the options used by NewMemoryBus when zero.
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		Lanes:           8,
		LaneBuffer:      128,
		MaxDeliver:      5,
		RedeliveryDelay: 100 * time.Millisecond,
	}
}

// MemoryBus is an in-process Bus. Events with the same key always land on
// the same lane, which preserves their order.
type MemoryBus struct {
	logger *zap.Logger
	opts   MemoryOptions

	mu     sync.RWMutex
	groups map[EventType]map[string]*memoryGroup
	closed bool
}

// NewMemoryBus creates an in-memory bus
func NewMemoryBus(logger *zap.Logger, opts MemoryOptions) *MemoryBus {
	def := DefaultMemoryOptions()
	if opts.Lanes <= 0 {
		opts.Lanes = def.Lanes
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = def.LaneBuffer
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = def.MaxDeliver
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = def.RedeliveryDelay
	}
	return &MemoryBus{
		logger: logger.Named("memory-bus"),
		opts:   opts,
		groups: make(map[EventType]map[string]*memoryGroup),
	}
}

// Publish implements Bus.Publish
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	groups := make([]*memoryGroup, 0, len(b.groups[evt.Type]))
	for _, g := range b.groups[evt.Type] {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	lane := laneFor(evt.Key, b.opts.Lanes)
	for _, g := range groups {
		select {
		case g.lanes[lane] <- evt:
		case <-g.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe
func (b *MemoryBus) Subscribe(eventType EventType, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.groups[eventType] == nil {
		b.groups[eventType] = make(map[string]*memoryGroup)
	}
	g, ok := b.groups[eventType][group]
	if !ok {
		g = b.newGroup(eventType, group)
		b.groups[eventType][group] = g
	}

	m := &memoryMember{group: g, handler: handler}
	g.mu.Lock()
	g.members = append(g.members, m)
	g.mu.Unlock()

	b.logger.Debug("Subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("group", group))
	return m, nil
}

// Close stops every group and waits for in-flight deliveries.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var groups []*memoryGroup
	for _, byName := range b.groups {
		for _, g := range byName {
			groups = append(groups, g)
		}
	}
	b.groups = make(map[EventType]map[string]*memoryGroup)
	b.mu.Unlock()

	for _, g := range groups {
		g.shutdown()
	}
	return nil
}

func (b *MemoryBus) removeGroup(g *memoryGroup) {
	b.mu.Lock()
	if current, ok := b.groups[g.eventType][g.name]; ok && current == g {
		delete(b.groups[g.eventType], g.name)
	}
	b.mu.Unlock()
	g.shutdown()
}

type memoryGroup struct {
	bus       *MemoryBus
	eventType EventType
	name      string
	lanes     []chan Event
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.RWMutex
	members []*memoryMember
}

func (b *MemoryBus) newGroup(eventType EventType, name string) *memoryGroup {
	g := &memoryGroup{
		bus:       b,
		eventType: eventType,
		name:      name,
		lanes:     make([]chan Event, b.opts.Lanes),
		stop:      make(chan struct{}),
	}
	for i := range g.lanes {
		g.lanes[i] = make(chan Event, b.opts.LaneBuffer)
		g.wg.Add(1)
		go g.run(g.lanes[i])
	}
	return g
}

func (g *memoryGroup) run(lane chan Event) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case evt := <-lane:
			g.deliver(evt)
		}
	}
}

func (g *memoryGroup) deliver(evt Event) {
	opts := g.bus.opts
	for attempt := 1; attempt <= opts.MaxDeliver; attempt++ {
		handler := g.pick(evt.Key)
		if handler == nil {
			return
		}
		err := invokeHandler(context.Background(), handler, evt)
		if err == nil {
			return
		}
		g.bus.logger.Warn("Event handler failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.String("group", g.name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-g.stop:
			return
		case <-time.After(opts.RedeliveryDelay):
		}
	}
	g.bus.logger.Error("Dropping event after max deliveries",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.String("group", g.name))
}

func (g *memoryGroup) pick(key string) Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.members) == 0 {
		return nil
	}
	return g.members[laneFor(key, len(g.members))].handler
}

func (g *memoryGroup) shutdown() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}

type memoryMember struct {
	group   *memoryGroup
	handler Handler
	once    sync.Once
}

// Unsubscribe implements Subscription.Unsubscribe
func (m *memoryMember) Unsubscribe() error {
	m.once.Do(func() {
		g := m.group
		g.mu.Lock()
		for i, member := range g.members {
			if member == m {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		empty := len(g.members) == 0
		g.mu.Unlock()

		if empty {
			g.bus.removeGroup(g)
		}
	})
	return nil
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
