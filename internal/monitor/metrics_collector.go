// Package monitor tallies execution outcomes and samples host usage.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/dispatcher"
	"github.com/t77yq/jobflow/internal/model"
)

const consumerGroup = "monitor"

// JobMetrics counts the outcomes of one job
type JobMetrics struct {
	JobID          string    `json:"job_id"`
	JobName        string    `json:"job_name,omitempty"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Dead           int       `json:"dead"`
	TotalMs        int64     `json:"total_ms"`
	LastDurationMs int64     `json:"last_duration_ms"`
	LastError      string    `json:"last_error,omitempty"`
	LastOutcomeAt  time.Time `json:"last_outcome_at"`
}

// Attempts is the number of outcomes seen
func (m JobMetrics) Attempts() int {
	return m.Succeeded + m.Failed
}

// Snapshot is a point-in-time view of the collector
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	CPUUsage    float64            `json:"cpu_usage"`
	MemoryUsage float64            `json:"memory_usage"`
	Jobs        []JobMetrics       `json:"jobs"`
	Workers     *model.WorkerStats `json:"workers,omitempty"`
}

// Option configures a MetricsCollector
type Option func(*MetricsCollector)

// WithSampler overrides host sampling
func WithSampler(s dispatcher.Sampler) Option {
	return func(c *MetricsCollector) { c.sample = s }
}

// WithWorkerStats includes the local worker pool in snapshots
func WithWorkerStats(stats func() *model.WorkerStats) Option {
	return func(c *MetricsCollector) { c.workerStats = stats }
}

// MetricsCollector collects job and host metrics
type MetricsCollector struct {
	logger      *zap.Logger
	bus         bus.Bus
	interval    time.Duration
	sample      dispatcher.Sampler
	workerStats func() *model.WorkerStats

	mu          sync.RWMutex
	jobs        map[string]*JobMetrics
	cpuUsage    float64
	memoryUsage float64

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(b bus.Bus, interval time.Duration, logger *zap.Logger, opts ...Option) *MetricsCollector {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		bus:      b,
		interval: interval,
		sample:   dispatcher.HostSampler,
		jobs:     make(map[string]*JobMetrics),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to execution outcomes and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return errors.New("metrics collector already started")
	}
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	sub, err := c.bus.Subscribe(bus.EventExecutionOutcome, consumerGroup, c.handleOutcome)
	if err != nil {
		return fmt.Errorf("failed to subscribe to execution outcomes: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.sub = sub
	c.cancel = cancel

	c.wg.Add(1)
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	cancel, sub := c.cancel, c.sub
	c.cancel, c.sub = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	c.logger.Info("Stopping metrics collector")
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	cancel()
	c.wg.Wait()
}

// handleOutcome folds one execution outcome into the tallies
func (c *MetricsCollector) handleOutcome(_ context.Context, evt bus.Event) error {
	var outcome model.ExecutionOutcome
	if err := evt.Decode(&outcome); err != nil {
		c.logger.Error("Failed to unmarshal execution outcome", zap.Error(err))
		return nil
	}
	c.Record(&outcome)
	return nil
}

// Record adds an outcome to the tallies
func (c *MetricsCollector) Record(o *model.ExecutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.jobs[o.JobID]
	if !ok {
		m = &JobMetrics{JobID: o.JobID}
		c.jobs[o.JobID] = m
	}
	if o.JobName != "" {
		m.JobName = o.JobName
	}

	if o.Result == model.OutcomeSuccess {
		m.Succeeded++
	} else {
		m.Failed++
		m.LastError = o.Error
	}
	if o.Status == model.InstanceStatusDead {
		m.Dead++
	}
	m.TotalMs += o.DurationMs
	m.LastDurationMs = o.DurationMs
	m.LastOutcomeAt = o.Timestamp
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples the host, logs a summary and publishes the snapshot
func (c *MetricsCollector) Collect(ctx context.Context) {
	cpuUsage, memUsage, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample host usage", zap.Error(err))
	} else {
		c.mu.Lock()
		c.cpuUsage, c.memoryUsage = cpuUsage, memUsage
		c.mu.Unlock()
	}

	snap := c.Snapshot()
	var succeeded, failed, dead int
	for _, j := range snap.Jobs {
		succeeded += j.Succeeded
		failed += j.Failed
		dead += j.Dead
	}
	c.logger.Info("Metrics collected",
		zap.Float64("cpu_usage", snap.CPUUsage),
		zap.Float64("memory_usage", snap.MemoryUsage),
		zap.Int("jobs", len(snap.Jobs)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("dead", dead))

	if err := bus.Publish(ctx, c.bus, bus.EventMetrics, "system", snap); err != nil && ctx.Err() == nil {
		c.logger.Warn("Failed to publish metrics", zap.Error(err))
	}
}

// Snapshot returns a copy of the current metrics, jobs ordered by ID
func (c *MetricsCollector) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		Timestamp:   time.Now(),
		CPUUsage:    c.cpuUsage,
		MemoryUsage: c.memoryUsage,
		Jobs:        make([]JobMetrics, 0, len(c.jobs)),
	}
	for _, m := range c.jobs {
		snap.Jobs = append(snap.Jobs, *m)
	}
	c.mu.RUnlock()

	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].JobID < snap.Jobs[j].JobID })
	if c.workerStats != nil {
		snap.Workers = c.workerStats()
	}
	return snap
}
