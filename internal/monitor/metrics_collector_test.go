package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/testutil"
)

func fixedSampler(cpu, mem float64) func(context.Context) (float64, float64, error) {
	return func(context.Context) (float64, float64, error) {
		return cpu, mem, nil
	}
}

func TestMetricsCollector(t *testing.T) {
	b := testutil.NewMemoryBus(t)
	metrics := testutil.Record(t, b, bus.EventMetrics)

	collector := NewMetricsCollector(b, 50*time.Millisecond, zaptest.NewLogger(t),
		WithSampler(fixedSampler(12.5, 40)),
		WithWorkerStats(func() *model.WorkerStats {
			return &model.WorkerStats{WorkerID: "worker-1", InFlight: 2}
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	outcomes := []model.ExecutionOutcome{
		{InstanceID: "i1", JobID: "job-a", JobName: "a", Attempt: 1, Result: model.OutcomeFailure, Error: "boom", Status: model.InstanceStatusRetryScheduled, DurationMs: 10},
		{InstanceID: "i1", JobID: "job-a", JobName: "a", Attempt: 2, Result: model.OutcomeSuccess, Status: model.InstanceStatusSucceeded, DurationMs: 20},
		{InstanceID: "i2", JobID: "job-b", Attempt: 1, Result: model.OutcomeFailure, Error: "gone", Status: model.InstanceStatusDead, DurationMs: 5},
	}
	for _, o := range outcomes {
		require.NoError(t, bus.Publish(ctx, b, bus.EventExecutionOutcome, o.InstanceID, o))
	}

	t.Run("TalliesOutcomes", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			snap := collector.Snapshot()
			return len(snap.Jobs) == 2 && snap.Jobs[0].Attempts() == 2
		}, 2*time.Second, 10*time.Millisecond)

		snap := collector.Snapshot()
		a, bm := snap.Jobs[0], snap.Jobs[1]
		assert.Equal(t, "job-a", a.JobID)
		assert.Equal(t, "a", a.JobName)
		assert.Equal(t, 1, a.Succeeded)
		assert.Equal(t, 1, a.Failed)
		assert.Equal(t, 0, a.Dead)
		assert.Equal(t, int64(30), a.TotalMs)
		assert.Equal(t, int64(20), a.LastDurationMs)

		assert.Equal(t, "job-b", bm.JobID)
		assert.Equal(t, 1, bm.Dead)
		assert.Equal(t, "gone", bm.LastError)
	})

	t.Run("CollectMetrics", func(t *testing.T) {
		assert.Eventually(t, func() bool { return metrics.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

		var snap Snapshot
		require.NoError(t, metrics.Events()[0].Decode(&snap))
		assert.Equal(t, 12.5, snap.CPUUsage)
		assert.Equal(t, 40.0, snap.MemoryUsage)
		require.NotNil(t, snap.Workers)
		assert.Equal(t, "worker-1", snap.Workers.WorkerID)
	})

	assert.Error(t, collector.Start(ctx))
}

func TestCollectKeepsLastSampleOnError(t *testing.T) {
	b := testutil.NewMemoryBus(t)
	calls := 0
	collector := NewMetricsCollector(b, time.Hour, zaptest.NewLogger(t),
		WithSampler(func(context.Context) (float64, float64, error) {
			calls++
			if calls > 1 {
				return 0, 0, errors.New("proc unavailable")
			}
			return 50, 60, nil
		}))

	ctx := context.Background()
	collector.Collect(ctx)
	collector.Collect(ctx)

	snap := collector.Snapshot()
	assert.Equal(t, 50.0, snap.CPUUsage)
	assert.Equal(t, 60.0, snap.MemoryUsage)
	assert.Empty(t, snap.Jobs)
	assert.Nil(t, snap.Workers)
}
