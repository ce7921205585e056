package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestResourceGuard(t *testing.T) {
	cpuUsage, memUsage := 10.0, 20.0
	var sampleErr error
	sampler := func(context.Context) (float64, float64, error) {
		return cpuUsage, memUsage, sampleErr
	}
	g := NewResourceGuard(ResourceLimits{MaxCPU: 80, MaxMemory: 90}, 0, sampler, zap.NewNop())
	ctx := context.Background()

	g.Collect(ctx)
	assert.True(t, g.Allow())

	cpuUsage = 95
	g.Collect(ctx)
	assert.False(t, g.Allow())
	c, m, _ := g.Usage()
	assert.Equal(t, 95.0, c)
	assert.Equal(t, 20.0, m)

	// a failed sample keeps the previous state
	sampleErr = errors.New("unavailable")
	cpuUsage = 5
	g.Collect(ctx)
	assert.False(t, g.Allow())

	sampleErr = nil
	g.Collect(ctx)
	assert.True(t, g.Allow())

	memUsage = 91
	g.Collect(ctx)
	assert.False(t, g.Allow())
}

func TestResourceGuardWithoutLimits(t *testing.T) {
	sampler := func(context.Context) (float64, float64, error) { return 100, 100, nil }
	g := NewResourceGuard(ResourceLimits{}, 0, sampler, zap.NewNop())
	g.Collect(context.Background())
	assert.True(t, g.Allow())
}
