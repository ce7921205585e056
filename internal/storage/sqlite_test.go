package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "jobflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newInstance(jobID string, at time.Time, maxRetries int) *model.JobInstance {
	return &model.JobInstance{
		ID:            uuid.NewString(),
		JobID:         jobID,
		ScheduledTime: at,
		Status:        model.InstanceStatusPending,
		Priority:      model.JobPriorityNormal,
		MaxRetries:    maxRetries,
		CreatedAt:     at,
	}
}

var t0 = time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)

func TestDefinitionsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	next := t0
	def := &model.JobDefinition{
		ID:         uuid.NewString(),
		Name:       "nightly-report",
		Schedule:   "0 0 9 * * ?",
		Type:       "shell_command",
		Target:     "echo hi",
		MaxRetries: 3,
		Priority:   model.JobPriorityHigh,
		Enabled:    true,
		NextFireAt: &next,
		CreatedAt:  t0.Add(-time.Hour),
		UpdatedAt:  t0.Add(-time.Hour),
	}
	require.NoError(t, store.CreateDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, model.JobPriorityHigh, got.Priority)
	assert.True(t, got.NextFireAt.Equal(t0))

	due, err := store.DueDefinitions(ctx, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueDefinitions(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := store.AdvanceFireTime(ctx, def.ID, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	// A second scheduler holding the stale value loses.
	ok, err = store.AdvanceFireTime(ctx, def.ID, t0, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RetireDefinition(ctx, def.ID, t0, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RetireDefinition(ctx, def.ID, t0.Add(24*time.Hour), t0)
	require.NoError(t, err)
	assert.True(t, ok)
	retired, err := store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, retired.Enabled)
	assert.Nil(t, retired.NextFireAt)

	_, err = store.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateInstanceDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(ctx, newInstance("job-1", t0, 0)))
	err := store.CreateInstance(ctx, newInstance("job-1", t0, 0))
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, store.CreateInstance(ctx, newInstance("job-1", t0.Add(time.Second), 0)))
	require.NoError(t, store.CreateInstance(ctx, newInstance("job-2", t0, 0)))
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := newInstance("job-1", t0, 0)
	require.NoError(t, store.CreateInstance(ctx, inst))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			_, err := store.ClaimInstance(ctx, inst.ID, uuid.NewString(), t0, 30*time.Second)
			if err == nil {
				winners.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestFailInstanceExhaustsBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := newInstance("job-1", t0, 3)
	require.NoError(t, store.CreateInstance(ctx, inst))

	now := t0
	var status model.InstanceStatus
	for attempt := 1; attempt <= 4; attempt++ {
		claimed, err := store.ClaimInstance(ctx, inst.ID, "worker-a", now, time.Minute)
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, attempt, claimed.AttemptCount)

		status, err = store.FailInstance(ctx, claimed.Token(), fmt.Sprintf("boom%d", attempt), now, now)
		require.NoError(t, err)
		if attempt < 4 {
			assert.Equal(t, model.InstanceStatusRetryScheduled, status)
		}
	}
	assert.Equal(t, model.InstanceStatusDead, status)

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.AttemptCount)
	assert.Equal(t, "boom4", got.LastError)
	assert.NotNil(t, got.FinishedAt)

	_, err = store.ClaimInstance(ctx, inst.ID, "worker-a", now, time.Minute)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRetryNotClaimableBeforeBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := newInstance("job-1", t0, 2)
	require.NoError(t, store.CreateInstance(ctx, inst))

	claimed, err := store.ClaimInstance(ctx, inst.ID, "w", t0, time.Minute)
	require.NoError(t, err)
	_, err = store.FailInstance(ctx, claimed.Token(), "boom", t0.Add(10*time.Second), t0)
	require.NoError(t, err)

	ready, err := store.ReadyInstances(ctx, t0.Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
	_, err = store.ClaimInstance(ctx, inst.ID, "w", t0.Add(5*time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrConflict)

	ready, err = store.ReadyInstances(ctx, t0.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestExpiredLeaseIsReclaimedOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := newInstance("job-1", t0, 1)
	require.NoError(t, store.CreateInstance(ctx, inst))

	first, err := store.ClaimInstance(ctx, inst.ID, "worker-a", t0, 30*time.Second)
	require.NoError(t, err)

	// Still inside the TTL.
	recovered, err := store.ExpireLeases(ctx, t0.Add(29*time.Second))
	require.NoError(t, err)
	assert.Empty(t, recovered)

	recovered, err = store.ExpireLeases(ctx, t0.Add(31*time.Second))
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, model.InstanceStatusRetryScheduled, recovered[0].Status)
	assert.Equal(t, 1, recovered[0].AttemptCount)
	assert.Equal(t, leaseExpiredError, recovered[0].LastError)

	// A second reaper pass finds nothing to recover.
	recovered, err = store.ExpireLeases(ctx, t0.Add(32*time.Second))
	require.NoError(t, err)
	assert.Empty(t, recovered)

	second, err := store.ClaimInstance(ctx, inst.ID, "worker-b", t0.Add(32*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptCount)

	// The original worker finishing late must not clobber the new lease.
	err = store.CompleteInstance(ctx, first.Token(), t0.Add(33*time.Second))
	assert.ErrorIs(t, err, ErrLeaseLost)
	_, err = store.RenewLease(ctx, first.Token(), t0.Add(33*time.Second), 30*time.Second)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, store.CompleteInstance(ctx, second.Token(), t0.Add(34*time.Second)))
	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusSucceeded, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestExpiredLeaseOnLastAttemptIsDead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := newInstance("job-1", t0, 0)
	require.NoError(t, store.CreateInstance(ctx, inst))
	_, err := store.ClaimInstance(ctx, inst.ID, "worker-a", t0, time.Second)
	require.NoError(t, err)

	recovered, err := store.ExpireLeases(ctx, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, model.InstanceStatusDead, recovered[0].Status)
}

func TestCancelInstance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := newInstance("job-1", t0, 2)
	require.NoError(t, store.CreateInstance(ctx, pending))
	status, err := store.CancelInstance(ctx, pending.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, status)

	running := newInstance("job-1", t0.Add(time.Minute), 2)
	require.NoError(t, store.CreateInstance(ctx, running))
	claimed, err := store.ClaimInstance(ctx, running.ID, "w", t0, time.Minute)
	require.NoError(t, err)

	status, err = store.CancelInstance(ctx, running.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, status)

	cancelRequested, err := store.RenewLease(ctx, claimed.Token(), t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, cancelRequested)

	// A failed attempt of a cancelled instance is never rescheduled.
	status, err = store.FailInstance(ctx, claimed.Token(), "context canceled", t0, t0)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, status)

	_, err = store.CancelInstance(ctx, running.ID, t0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = store.CancelInstance(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceTransitionsFollowLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored := func(id string) model.InstanceStatus {
		t.Helper()
		inst, err := store.GetInstance(ctx, id)
		require.NoError(t, err)
		return inst.Status
	}
	legal := func(from, to model.InstanceStatus) {
		t.Helper()
		assert.Truef(t, from.CanTransition(to), "%s -> %s", from, to)
	}

	// claim, fail with budget left, claim again, fail exhausted
	retried := newInstance("job-1", t0, 1)
	require.NoError(t, store.CreateInstance(ctx, retried))
	claimed, err := store.ClaimInstance(ctx, retried.ID, "w1", t0, time.Minute)
	require.NoError(t, err)
	legal(model.InstanceStatusPending, claimed.Status)
	assert.False(t, claimed.Exhausted())

	st, err := store.FailInstance(ctx, claimed.Token(), "boom", t0.Add(time.Second), t0)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRetryScheduled, st)
	legal(model.InstanceStatusRunning, st)

	claimed, err = store.ClaimInstance(ctx, retried.ID, "w1", t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	legal(model.InstanceStatusRetryScheduled, claimed.Status)
	assert.True(t, claimed.Exhausted())

	st, err = store.FailInstance(ctx, claimed.Token(), "boom", t0.Add(time.Second), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, st)
	legal(model.InstanceStatusRunning, st)

	// claim then complete
	done := newInstance("job-2", t0, 0)
	require.NoError(t, store.CreateInstance(ctx, done))
	claimed, err = store.ClaimInstance(ctx, done.ID, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.CompleteInstance(ctx, claimed.Token(), t0))
	legal(model.InstanceStatusRunning, stored(done.ID))

	// terminal states admit nothing further
	_, err = store.ClaimInstance(ctx, done.ID, "w2", t0.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, model.InstanceStatusSucceeded.CanTransition(model.InstanceStatusRunning))
	assert.False(t, model.InstanceStatusDead.CanTransition(model.InstanceStatusPending))

	// claim then bury
	buried := newInstance("job-3", t0, 3)
	require.NoError(t, store.CreateInstance(ctx, buried))
	claimed, err = store.ClaimInstance(ctx, buried.ID, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.BuryInstance(ctx, claimed.Token(), "unknown job type", t0))
	assert.Equal(t, model.InstanceStatusDead, stored(buried.ID))
	legal(model.InstanceStatusRunning, stored(buried.ID))

	// claim then let the lease lapse
	expired := newInstance("job-4", t0, 3)
	require.NoError(t, store.CreateInstance(ctx, expired))
	_, err = store.ClaimInstance(ctx, expired.ID, "w1", t0, time.Second)
	require.NoError(t, err)
	recovered, err := store.ExpireLeases(ctx, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, model.InstanceStatusRetryScheduled, recovered[0].Status)
	legal(model.InstanceStatusRunning, recovered[0].Status)

	// cancel while waiting
	cancelled := newInstance("job-5", t0, 3)
	require.NoError(t, store.CreateInstance(ctx, cancelled))
	st, err = store.CancelInstance(ctx, cancelled.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, st)
	legal(model.InstanceStatusPending, st)
}

func TestListInstancesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateInstance(ctx, newInstance("job-1", t0.Add(time.Duration(i)*time.Hour), 0)))
	}
	require.NoError(t, store.CreateInstance(ctx, newInstance("job-2", t0, 0)))

	all, err := store.ListInstances(ctx, model.InstanceFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.True(t, all[0].ScheduledTime.After(all[1].ScheduledTime))

	from, to := t0.Add(time.Hour), t0.Add(3*time.Hour)
	ranged, err := store.ListInstances(ctx, model.InstanceFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, ranged, 3)

	pending, err := store.ListInstances(ctx, model.InstanceFilter{
		Status: []model.InstanceStatus{model.InstanceStatusPending},
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestNotificationClaimAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := &model.NotificationRequest{
		ID:          uuid.NewString(),
		Channel:     model.ChannelEmail,
		Recipient:   "ops@example.com",
		Subject:     "job failed",
		Body:        "details",
		Status:      model.NotificationPending,
		MaxRetries:  3,
		ScheduledAt: t0,
		CreatedAt:   t0,
		DedupeKey:   "inst-1:1:rule-1",
	}
	require.NoError(t, store.CreateNotification(ctx, req))

	dup := *req
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, store.CreateNotification(ctx, &dup), ErrDuplicate)

	claimed, err := store.ClaimDueNotifications(ctx, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Claimed requests are invisible to a second engine until the claim ends.
	again, err := store.ClaimDueNotifications(ctx, t0.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	got := claimed[0]
	stale := *got

	got.RetryCount = 1
	got.Error = "smtp down"
	got.ScheduledAt = t0.Add(time.Minute)
	require.NoError(t, store.RecordAttempt(ctx, got, model.NotificationAttempt{
		RequestID: got.ID, Attempt: 1, Error: "smtp down", AttemptedAt: t0,
	}, nil))

	stored, err := store.GetNotification(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ClaimedUntil)
	assert.Equal(t, 1, stored.RetryCount)

	// A writer whose claim was released cannot overwrite the row or its history.
	stale.Status = model.NotificationSent
	err = store.RecordAttempt(ctx, &stale, model.NotificationAttempt{
		RequestID: stale.ID, Attempt: 1, AttemptedAt: t0,
	}, nil)
	assert.ErrorIs(t, err, ErrConflict)

	reclaimed, err := store.ClaimDueNotifications(ctx, t0.Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	// Replaying an attempt number rolls back the status change too.
	dup2 := *reclaimed[0]
	dup2.Status = model.NotificationFailed
	err = store.RecordAttempt(ctx, &dup2, model.NotificationAttempt{
		RequestID: dup2.ID, Attempt: 1, Error: "again", AttemptedAt: t0,
	}, nil)
	assert.ErrorIs(t, err, ErrConflict)
	stored, err = store.GetNotification(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationPending, stored.Status)

	final := reclaimed[0]
	final.Status = model.NotificationFailed
	final.RetryCount = 2
	final.Error = "smtp down"
	require.NoError(t, store.RecordAttempt(ctx, final, model.NotificationAttempt{
		RequestID: final.ID, Attempt: 2, Error: "smtp down", AttemptedAt: t0.Add(time.Minute),
	}, &model.DeadLetter{
		RequestID: req.ID, Channel: req.Channel, Recipient: req.Recipient,
		Error: "smtp down", RetryCount: 2, FailedAt: t0.Add(time.Minute),
	}))

	letters, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Len(t, letters[0].History, 2)
	assert.Equal(t, "smtp down", letters[0].History[0].Error)
}
