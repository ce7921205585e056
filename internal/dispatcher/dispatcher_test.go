package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/storage"
	"github.com/t77yq/jobflow/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.SQLiteStore
	bus      *bus.MemoryBus
	registry *Registry
	outcomes *testutil.Recorder
	clock    *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := testutil.NewMemoryBus(t)
	return &fixture{
		store:    testutil.NewStore(t),
		bus:      b,
		registry: NewRegistry(),
		outcomes: testutil.Record(t, b, bus.EventExecutionOutcome),
		clock:    testutil.NewClock(t0),
	}
}

func (f *fixture) dispatcher(workerID string, cfg Config) *Dispatcher {
	cfg.WorkerID = workerID
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	}
	return New(f.store, f.bus, f.registry, cfg, zap.NewNop(), WithClock(f.clock.Now))
}

func (f *fixture) instance(t *testing.T, jobType string, maxRetries int) *model.JobInstance {
	t.Helper()
	ctx := context.Background()

	def := &model.JobDefinition{
		ID:         uuid.NewString(),
		Name:       "job-" + jobType,
		Schedule:   "0 0 9 * * *",
		Type:       jobType,
		MaxRetries: maxRetries,
		Priority:   model.JobPriorityNormal,
		Enabled:    true,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, f.store.CreateDefinition(ctx, def))

	inst := &model.JobInstance{
		ID:            uuid.NewString(),
		JobID:         def.ID,
		ScheduledTime: f.clock.Now(),
		Status:        model.InstanceStatusPending,
		Priority:      def.Priority,
		MaxRetries:    maxRetries,
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.CreateInstance(ctx, inst))
	return inst
}

func (f *fixture) get(t *testing.T, id string) *model.JobInstance {
	t.Helper()
	inst, err := f.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestRunOnceSuccess(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("echo", StrategyFunc(time.Second, func(_ context.Context, exec *model.Execution) model.Outcome {
		return model.Succeeded([]byte(exec.Definition.Name))
	}))
	d := f.dispatcher("worker-a", Config{})
	inst := f.instance(t, "echo", 3)

	out, err := d.RunOnce(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, out.Result)
	assert.Equal(t, model.InstanceStatusSucceeded, out.Status)
	assert.True(t, out.Terminal)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, "job-echo", out.JobName)

	stored := f.get(t, inst.ID)
	assert.Equal(t, model.InstanceStatusSucceeded, stored.Status)
	assert.Equal(t, "worker-a", stored.WorkerID)
	assert.Nil(t, stored.LeaseExpiresAt)

	require.Eventually(t, func() bool { return f.outcomes.Len() == 1 }, time.Second, 5*time.Millisecond)

	// terminal instances cannot be claimed again
	_, err = d.RunOnce(context.Background(), inst.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestRetriesUntilDead(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registry.Register("flaky", StrategyFunc(time.Second, func(context.Context, *model.Execution) model.Outcome {
		n := calls.Add(1)
		return model.Failed(fmt.Errorf("boom%d", n))
	}))
	d := f.dispatcher("worker-a", Config{})
	inst := f.instance(t, "flaky", 3)
	ctx := context.Background()

	for attempt := 1; attempt <= 4; attempt++ {
		out, err := d.RunOnce(ctx, inst.ID)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt, out.Attempt)
		assert.Equal(t, model.OutcomeFailure, out.Result)

		stored := f.get(t, inst.ID)
		assert.Equal(t, attempt, stored.AttemptCount)
		assert.LessOrEqual(t, stored.AttemptCount, stored.MaxRetries+1)

		if attempt < 4 {
			assert.Equal(t, model.InstanceStatusRetryScheduled, out.Status)
			assert.False(t, out.Terminal)

			delay := d.cfg.Backoff.NextRetry(attempt)
			require.NotNil(t, stored.NextAttemptAt)
			assert.True(t, f.clock.Now().Add(delay).Equal(*stored.NextAttemptAt))

			// not claimable before the backoff elapses
			_, err = d.RunOnce(ctx, inst.ID)
			assert.ErrorIs(t, err, storage.ErrConflict)

			f.clock.Advance(delay)
			continue
		}

		assert.Equal(t, model.InstanceStatusDead, out.Status)
		assert.True(t, out.Terminal)
		assert.Equal(t, "boom4", stored.LastError)
	}

	_, err := d.RunOnce(ctx, inst.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, int32(4), calls.Load())

	require.Eventually(t, func() bool { return f.outcomes.Len() == 4 }, time.Second, 5*time.Millisecond)
	var last model.ExecutionOutcome
	require.NoError(t, f.outcomes.Events()[3].Decode(&last))
	assert.True(t, last.Terminal)
	assert.Equal(t, model.InstanceStatusDead, last.Status)
}

func TestUnknownJobTypeIsDead(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher("worker-a", Config{})
	inst := f.instance(t, "missing", 3)

	out, err := d.RunOnce(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, out.Status)
	assert.Contains(t, out.Error, ErrUnknownJobType.Error())

	stored := f.get(t, inst.ID)
	assert.Equal(t, model.InstanceStatusDead, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestStrategyPanicIsFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("panics", StrategyFunc(time.Second, func(context.Context, *model.Execution) model.Outcome {
		panic("nil map")
	}))
	d := f.dispatcher("worker-a", Config{})
	inst := f.instance(t, "panics", 3)

	out, err := d.RunOnce(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, out.Result)
	assert.Equal(t, model.InstanceStatusRetryScheduled, out.Status)
	assert.Contains(t, out.Error, "strategy panic: nil map")
}

func TestExecutionTimeout(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("slow", StrategyFunc(time.Second, func(ctx context.Context, _ *model.Execution) model.Outcome {
		<-ctx.Done()
		return model.Failed(ctx.Err())
	}))
	d := f.dispatcher("worker-a", Config{ExecutionTimeout: 50 * time.Millisecond})
	inst := f.instance(t, "slow", 3)

	out, err := d.RunOnce(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRetryScheduled, out.Status)
	assert.Contains(t, out.Error, "timed out")
}

func TestCancelRunningInstance(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.registry.Register("long", StrategyFunc(time.Second, func(ctx context.Context, _ *model.Execution) model.Outcome {
		close(started)
		<-ctx.Done()
		return model.Failed(ctx.Err())
	}))
	// real clock so heartbeats renew a live lease
	d := New(f.store, f.bus, f.registry, Config{WorkerID: "worker-a", LeaseTTL: 150 * time.Millisecond}, zap.NewNop())
	inst := f.instance(t, "long", 3)

	type result struct {
		out *model.ExecutionOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d.RunOnce(context.Background(), inst.ID)
		done <- result{out, err}
	}()

	<-started
	status, err := f.store.CancelInstance(context.Background(), inst.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, status)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, model.InstanceStatusDead, r.out.Status)
		assert.Equal(t, "cancelled", r.out.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation was not observed")
	}
}

func TestLateCompletionAfterLeaseExpiry(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	running := make(chan struct{})
	var calls atomic.Int32
	f.registry.Register("sticky", StrategyFunc(time.Second, func(context.Context, *model.Execution) model.Outcome {
		if calls.Add(1) == 1 {
			close(running)
			<-release
		}
		return model.Succeeded(nil)
	}))
	cfg := Config{LeaseTTL: 30 * time.Second}
	workerA := f.dispatcher("worker-a", cfg)
	workerB := f.dispatcher("worker-b", cfg)
	inst := f.instance(t, "sticky", 3)

	errA := make(chan error, 1)
	go func() {
		_, err := workerA.RunOnce(context.Background(), inst.ID)
		errA <- err
	}()
	<-running

	f.clock.Advance(31 * time.Second)
	reaped, err := workerB.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, model.InstanceStatusRetryScheduled, f.get(t, inst.ID).Status)

	out, err := workerB.RunOnce(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempt)
	assert.Equal(t, model.InstanceStatusSucceeded, out.Status)

	close(release)
	assert.ErrorIs(t, <-errA, storage.ErrLeaseLost)

	stored := f.get(t, inst.ID)
	assert.Equal(t, model.InstanceStatusSucceeded, stored.Status)
	assert.Equal(t, "worker-b", stored.WorkerID)
	assert.Equal(t, 2, stored.AttemptCount)

	// reap outcome plus worker B's success; worker A's late result is dropped
	require.Eventually(t, func() bool { return f.outcomes.Len() == 2 }, time.Second, 5*time.Millisecond)
	var reapedOutcome model.ExecutionOutcome
	require.NoError(t, f.outcomes.Events()[0].Decode(&reapedOutcome))
	assert.Equal(t, model.OutcomeFailure, reapedOutcome.Result)
	assert.Equal(t, 1, reapedOutcome.Attempt)
}

func TestConcurrentRunOnceExecutesOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registry.Register("count", StrategyFunc(time.Second, func(context.Context, *model.Execution) model.Outcome {
		calls.Add(1)
		return model.Succeeded(nil)
	}))
	inst := f.instance(t, "count", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := f.dispatcher(uuid.NewString(), Config{})
			_, err := d.RunOnce(context.Background(), inst.ID)
			if err != nil {
				assert.ErrorIs(t, err, storage.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestStartProcessesEventsAndSweeps(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("echo", StrategyFunc(time.Second, func(context.Context, *model.Execution) model.Outcome {
		return model.Succeeded(nil)
	}))
	d := New(f.store, f.bus, f.registry, Config{
		WorkerID:     "worker-a",
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	signalled := f.instance(t, "echo", 1)
	require.NoError(t, bus.Publish(context.Background(), f.bus, bus.EventInstanceReady, signalled.ID, bus.InstanceReady{
		InstanceID: signalled.ID,
		JobID:      signalled.JobID,
		Priority:   int(signalled.Priority),
	}))

	// no event: only the sweep can find this one
	swept := f.instance(t, "echo", 1)

	require.Eventually(t, func() bool {
		return f.get(t, signalled.ID).Status == model.InstanceStatusSucceeded &&
			f.get(t, swept.ID).Status == model.InstanceStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	stats := d.Stats()
	assert.Equal(t, "worker-a", stats.WorkerID)
	assert.Zero(t, stats.InFlight)
}

func TestLeaseDefaultsToTwiceExpectedDuration(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher("worker-a", Config{})

	assert.Equal(t, 20*time.Second, d.leaseTTL(StrategyFunc(10*time.Second, nil)))
	assert.Equal(t, time.Minute, d.leaseTTL(StrategyFunc(0, nil)))
	assert.Equal(t, minLeaseTTL, d.leaseTTL(StrategyFunc(time.Millisecond, nil)))
	assert.Equal(t, 20*time.Second, d.executionTimeout(StrategyFunc(10*time.Second, nil)))

	d = f.dispatcher("worker-a", Config{LeaseTTL: 5 * time.Second, ExecutionTimeout: 3 * time.Second})
	assert.Equal(t, 5*time.Second, d.leaseTTL(StrategyFunc(10*time.Second, nil)))
	assert.Equal(t, 3*time.Second, d.executionTimeout(StrategyFunc(10*time.Second, nil)))
}
