package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/notification"
	"github.com/t77yq/jobflow/internal/scheduler"
	"github.com/t77yq/jobflow/internal/storage"
	"github.com/t77yq/jobflow/internal/testutil"
)

var start = time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

func newJobService(t *testing.T) (*JobService, *storage.SQLiteStore, *testutil.Clock) {
	t.Helper()

	store := testutil.NewStore(t)
	clock := testutil.NewClock(start)
	svc := NewJobService(store, zap.NewNop(),
		WithClock(clock.Now),
		WithJobTypes("http_request", "shell_command"))
	return svc, store, clock
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func TestCreateJob(t *testing.T) {
	svc, _, _ := newJobService(t)
	ctx := context.Background()

	id, err := svc.CreateJob(ctx, JobSpec{
		Name:     "nightly-report",
		Schedule: "0 0 9 * * *",
		Type:     "http_request",
		Target:   "http://reports.internal/run",
		Payload:  json.RawMessage(`{"method":"POST"}`),
	})
	require.NoError(t, err)

	def, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, def.Enabled)
	assert.Equal(t, 3, def.MaxRetries)
	assert.Equal(t, model.JobPriorityNormal, def.Priority)
	require.NotNil(t, def.NextFireAt)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *def.NextFireAt)
	assert.JSONEq(t, `{"method":"POST"}`, string(def.Payload))

	id, err = svc.CreateJob(ctx, JobSpec{
		Name:       "paused",
		Schedule:   "@every 5m",
		Type:       "shell_command",
		Target:     "true",
		MaxRetries: intPtr(0),
		Priority:   model.JobPriorityHigh,
		Disabled:   true,
	})
	require.NoError(t, err)
	def, err = svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, def.Enabled)
	assert.Nil(t, def.NextFireAt)
	assert.Equal(t, 0, def.MaxRetries)

	jobs, err := svc.ListJobs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateJobValidation(t *testing.T) {
	svc, _, _ := newJobService(t)
	ctx := context.Background()

	valid := JobSpec{Name: "job", Schedule: "*/10 * * * * *", Type: "http_request", Target: "http://x"}

	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"missing name", func(s *JobSpec) { s.Name = " " }},
		{"missing type", func(s *JobSpec) { s.Type = "" }},
		{"unknown type", func(s *JobSpec) { s.Type = "fax" }},
		{"bad schedule", func(s *JobSpec) { s.Schedule = "every tuesday" }},
		{"five field schedule", func(s *JobSpec) { s.Schedule = "0 9 * * *" }},
		{"no future fire", func(s *JobSpec) { s.Schedule = "0 0 0 30 2 *" }},
		{"negative retries", func(s *JobSpec) { s.MaxRetries = intPtr(-1) }},
		{"priority out of range", func(s *JobSpec) { s.Priority = 9 }},
		{"bad payload", func(s *JobSpec) { s.Payload = json.RawMessage(`{`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			_, err := svc.CreateJob(ctx, spec)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	spec := valid
	spec.Schedule = "bogus"
	_, err := svc.CreateJob(ctx, spec)
	assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
}

func TestUpdateAndToggleJob(t *testing.T) {
	svc, _, clock := newJobService(t)
	ctx := context.Background()

	id, err := svc.CreateJob(ctx, JobSpec{Name: "job", Schedule: "0 0 9 * * *", Type: "http_request", Target: "http://x"})
	require.NoError(t, err)

	def, err := svc.UpdateJob(ctx, id, JobUpdate{Name: strPtr("renamed"), MaxRetries: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, "renamed", def.Name)
	assert.Equal(t, 5, def.MaxRetries)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), *def.NextFireAt)

	def, err = svc.UpdateJob(ctx, id, JobUpdate{Schedule: strPtr("0 45 8 * * *")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 45, 0, 0, time.UTC), *def.NextFireAt)

	_, err = svc.UpdateJob(ctx, id, JobUpdate{Schedule: strPtr("nope")})
	assert.ErrorIs(t, err, ErrValidation)

	def, err = svc.DisableJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, def.Enabled)
	assert.Nil(t, def.NextFireAt)

	clock.Set(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	def, err = svc.EnableJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, def.Enabled)
	assert.Equal(t, time.Date(2024, 3, 2, 8, 45, 0, 0, time.UTC), *def.NextFireAt)

	stored, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, def.NextFireAt.UnixNano(), stored.NextFireAt.UnixNano())

	_, err = svc.EnableJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstances(t *testing.T) {
	svc, store, clock := newJobService(t)
	ctx := context.Background()

	id, err := svc.CreateJob(ctx, JobSpec{Name: "job", Schedule: "0 0 9 * * *", Type: "http_request", Target: "http://x"})
	require.NoError(t, err)

	require.NoError(t, store.CreateInstance(ctx, &model.JobInstance{
		ID:            "inst-1",
		JobID:         id,
		ScheduledTime: start,
		Status:        model.InstanceStatusPending,
		Priority:      model.JobPriorityNormal,
		MaxRetries:    3,
		CreatedAt:     clock.Now(),
	}))

	insts, err := svc.ListInstances(ctx, model.InstanceFilter{JobID: id})
	require.NoError(t, err)
	require.Len(t, insts, 1)

	_, err = svc.ListInstances(ctx, model.InstanceFilter{Limit: -1})
	assert.ErrorIs(t, err, ErrValidation)

	from, to := start, start.Add(-time.Hour)
	_, err = svc.ListInstances(ctx, model.InstanceFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, ErrValidation)

	st, err := svc.CancelInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, st)

	inst, err := svc.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDead, inst.Status)

	_, err = svc.CancelInstance(ctx, "inst-1")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestNotificationService(t *testing.T) {
	store := testutil.NewStore(t)
	engine := notification.NewEngine(store, testutil.NewMemoryBus(t), nil, notification.Options{DefaultMaxRetries: 1}, zap.NewNop())
	svc := NewNotificationService(engine, zap.NewNop())
	ctx := context.Background()

	_, err := svc.SendNotification(ctx, notification.SendRequest{Channel: "PIGEON", Recipient: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	id, err := svc.SendNotification(ctx, notification.SendRequest{
		Channel:   model.ChannelEmail,
		Recipient: "ops@example.com",
		Subject:   "hi",
	})
	require.NoError(t, err)

	pending, err := svc.GetByStatus(ctx, "PENDING", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	_, err = svc.GetByStatus(ctx, "LOST", 10)
	assert.ErrorIs(t, err, ErrValidation)

	// No EMAIL sender is configured.
	n, err := svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	letters, err := svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].RequestID)
}
