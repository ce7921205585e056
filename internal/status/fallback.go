package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fallback names
const (
	FallbackNoop  = "noop"
	FallbackLog   = "log"
	FallbackQueue = "queue"
)

// Fallback takes an update the store could not accept
type Fallback interface {
	Name() string
	Handle(ctx context.Context, instanceID, disposition string, cause error) Result
}

// NoopFallback drops the update silently
type NoopFallback struct{}

func (NoopFallback) Name() string { return FallbackNoop }

func (NoopFallback) Handle(_ context.Context, _, _ string, cause error) Result {
	return Result{Fallback: FallbackNoop, Err: cause}
}

// LogFallback drops the update after logging it
type LogFallback struct {
	logger *zap.Logger
}

// NewLogFallback creates a log-and-drop fallback
func NewLogFallback(logger *zap.Logger) *LogFallback {
	return &LogFallback{logger: logger.Named("status-fallback")}
}

func (f *LogFallback) Name() string { return FallbackLog }

func (f *LogFallback) Handle(_ context.Context, instanceID, disposition string, cause error) Result {
	f.logger.Warn("Dropping status update",
		zap.String("instance_id", instanceID),
		zap.String("disposition", disposition),
		zap.Error(cause))
	return Result{Fallback: FallbackLog, Err: cause}
}

const defaultQueueCapacity = 1024

// QueueFallback keeps the latest disposition per instance in memory until
// Drain replays it.
type QueueFallback struct {
	logger   *zap.Logger
	capacity int

	mu      sync.Mutex
	order   []string
	pending map[string]string
}

// NewQueueFallback creates a queue holding at most capacity instances.
// When full the oldest entry is dropped.
func NewQueueFallback(capacity int, logger *zap.Logger) *QueueFallback {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &QueueFallback{
		logger:   logger.Named("status-queue"),
		capacity: capacity,
		pending:  make(map[string]string),
	}
}

func (q *QueueFallback) Name() string { return FallbackQueue }

func (q *QueueFallback) Handle(_ context.Context, instanceID, disposition string, cause error) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[instanceID]; !ok {
		if len(q.order) >= q.capacity {
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, oldest)
			q.logger.Warn("Status queue full, dropping oldest update",
				zap.String("instance_id", oldest))
		}
		q.order = append(q.order, instanceID)
	}
	q.pending[instanceID] = disposition
	return Result{Fallback: FallbackQueue, Err: cause}
}

// Len returns the number of queued updates
func (q *QueueFallback) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Drain replays queued updates through u and returns how many were
// applied. Updates u cannot apply are handled by u's own fallback, which
// may requeue them here.
func (q *QueueFallback) Drain(ctx context.Context, u Updater) int {
	q.mu.Lock()
	order, pending := q.order, q.pending
	q.order = nil
	q.pending = make(map[string]string)
	q.mu.Unlock()

	applied := 0
	for _, id := range order {
		if ctx.Err() != nil {
			q.Handle(ctx, id, pending[id], ctx.Err())
			continue
		}
		if res := u.Update(ctx, id, pending[id]); res.Applied {
			applied++
		}
	}
	if applied > 0 {
		q.logger.Info("Replayed queued status updates", zap.Int("applied", applied))
	}
	return applied
}

// Run drains the queue every interval until ctx is done
func (q *QueueFallback) Run(ctx context.Context, u Updater, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Drain(ctx, u)
			}
		}
	}
}
