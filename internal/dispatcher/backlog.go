package dispatcher

import (
	"container/heap"
	"sync"
	"time"
)

// backlogItem is a hint that an instance may be claimable
type backlogItem struct {
	InstanceID    string
	Priority      int
	ScheduledTime time.Time
	index         int
}

// itemQueue implements heap.Interface ordered by priority then scheduled time
type itemQueue []*backlogItem

func (q itemQueue) Len() int { return len(q) }

func (q itemQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ScheduledTime.Before(q[j].ScheduledTime)
}

func (q itemQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *itemQueue) Push(x interface{}) {
	item := x.(*backlogItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *itemQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Backlog is a bounded priority queue of instance hints, deduplicated by
// instance ID. Dropping a hint is safe: the sweep finds the instance again.
type Backlog struct {
	mu       sync.Mutex
	queue    itemQueue
	byID     map[string]*backlogItem
	capacity int
}

// NewBacklog creates a backlog holding at most capacity items
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = 256
	}
	return &Backlog{
		byID:     make(map[string]*backlogItem),
		capacity: capacity,
	}
}

// Push queues an instance. It reports false when the instance is already
// queued or the backlog is full.
func (b *Backlog) Push(instanceID string, priority int, scheduled time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[instanceID]; ok {
		return false
	}
	if len(b.queue) >= b.capacity {
		return false
	}

	item := &backlogItem{InstanceID: instanceID, Priority: priority, ScheduledTime: scheduled}
	heap.Push(&b.queue, item)
	b.byID[instanceID] = item
	return true
}

// Pop removes the most urgent instance ID
func (b *Backlog) Pop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return "", false
	}
	item := heap.Pop(&b.queue).(*backlogItem)
	delete(b.byID, item.InstanceID)
	return item.InstanceID, true
}

// Len returns the number of queued instances
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Free returns the remaining capacity
func (b *Backlog) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - len(b.queue)
}
