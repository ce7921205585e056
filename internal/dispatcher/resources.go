package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits defines host limits above which workers stop claiming
type ResourceLimits struct {
	MaxCPU    float64 // Maximum CPU usage in percentage, 0 disables the check
	MaxMemory float64 // Maximum memory usage in percentage, 0 disables the check
}

// Sampler reports host CPU and memory usage in percent
type Sampler func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// HostSampler samples the host with gopsutil
func HostSampler(ctx context.Context) (float64, float64, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}

	var c float64
	if len(cpuPercent) > 0 {
		c = cpuPercent[0]
	}
	return c, memInfo.UsedPercent, nil
}

// ResourceGuard samples host usage and throttles claiming while limits are exceeded
type ResourceGuard struct {
	logger   *zap.Logger
	limits   ResourceLimits
	interval time.Duration
	sample   Sampler

	mu          sync.RWMutex
	cpuUsage    float64
	memUsage    float64
	throttled   bool
	collectedAt time.Time
}

// NewResourceGuard creates a guard. A nil sampler uses HostSampler.
func NewResourceGuard(limits ResourceLimits, interval time.Duration, sample Sampler, logger *zap.Logger) *ResourceGuard {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if sample == nil {
		sample = HostSampler
	}
	return &ResourceGuard{
		logger:   logger.Named("resource-guard"),
		limits:   limits,
		interval: interval,
		sample:   sample,
	}
}

// Start monitors resources until ctx is done
func (g *ResourceGuard) Start(ctx context.Context) {
	g.logger.Info("Starting resource guard",
		zap.Float64("max_cpu", g.limits.MaxCPU),
		zap.Float64("max_memory", g.limits.MaxMemory))

	g.Collect(ctx)
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Collect(ctx)
			}
		}
	}()
}

// Collect takes one sample and updates the throttle state
func (g *ResourceGuard) Collect(ctx context.Context) {
	cpuUsage, memUsage, err := g.sample(ctx)
	if err != nil {
		g.logger.Error("Failed to sample host resources", zap.Error(err))
		return
	}

	throttled := (g.limits.MaxCPU > 0 && cpuUsage > g.limits.MaxCPU) ||
		(g.limits.MaxMemory > 0 && memUsage > g.limits.MaxMemory)

	g.mu.Lock()
	changed := throttled != g.throttled
	g.cpuUsage = cpuUsage
	g.memUsage = memUsage
	g.throttled = throttled
	g.collectedAt = time.Now()
	g.mu.Unlock()

	if changed {
		g.logger.Info("Resource throttle changed",
			zap.Bool("throttled", throttled),
			zap.Float64("cpu_usage", cpuUsage),
			zap.Float64("memory_usage", memUsage))
	}
	g.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", cpuUsage),
		zap.Float64("memory_usage", memUsage))
}

// Allow reports whether workers may claim new instances
func (g *ResourceGuard) Allow() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.throttled
}

// Usage returns the last sample
func (g *ResourceGuard) Usage() (cpuUsage, memUsage float64, collectedAt time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cpuUsage, g.memUsage, g.collectedAt
}
