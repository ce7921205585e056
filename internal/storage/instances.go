package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

const instanceColumns = `id, job_id, scheduled_time, status, priority, attempt_count, max_retries,
	last_error, worker_id, lease_expires_at, next_attempt_at, cancel_requested,
	started_at, finished_at, disposition, created_at`

// exhaustedExpr is true when a failed attempt must not be rescheduled.
const exhaustedExpr = `(cancel_requested = 1 OR attempt_count > max_retries)`

const leaseExpiredError = "lease expired before completion"

// CreateInstance implements JobStore.CreateInstance
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.JobInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_instances (
			id, job_id, scheduled_time, status, priority, attempt_count, max_retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.JobID,
		toNanos(inst.ScheduledTime),
		inst.Status,
		int(inst.Priority),
		inst.AttemptCount,
		inst.MaxRetries,
		toNanos(inst.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance for job %s at %s: %w",
				inst.JobID, inst.ScheduledTime.Format(time.RFC3339), ErrDuplicate)
		}
		return fmt.Errorf("failed to store job instance: %w", err)
	}
	return nil
}

// GetInstance implements JobStore.GetInstance
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.JobInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM job_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job instance %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan job instance: %w", err)
	}
	return inst, nil
}

// ListInstances implements JobStore.ListInstances
func (s *SQLiteStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.JobInstance, error) {
	var (
		conds []string
		args  []any
	)
	if filter.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if len(filter.Status) > 0 {
		marks := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			marks[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		conds = append(conds, "scheduled_time >= ?")
		args = append(args, toNanos(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "scheduled_time <= ?")
		args = append(args, toNanos(*filter.To))
	}

	query := `SELECT ` + instanceColumns + ` FROM job_instances`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY scheduled_time DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryInstances(ctx, query, args...)
}

// ReadyInstances implements JobStore.ReadyInstances
func (s *SQLiteStore) ReadyInstances(ctx context.Context, now time.Time, limit int) ([]*model.JobInstance, error) {
	n := toNanos(now)
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM job_instances
		WHERE (status = 'PENDING' AND scheduled_time <= ?)
		   OR (status = 'RETRY_SCHEDULED' AND next_attempt_at <= ?)
		ORDER BY priority DESC, scheduled_time
		LIMIT ?`, n, n, limit)
}

// ClaimInstance implements JobStore.ClaimInstance
func (s *SQLiteStore) ClaimInstance(ctx context.Context, id, workerID string, now time.Time, ttl time.Duration) (*model.JobInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE job_instances SET
			status = 'RUNNING',
			attempt_count = attempt_count + 1,
			worker_id = ?,
			lease_expires_at = ?,
			started_at = ?,
			next_attempt_at = NULL,
			finished_at = NULL
		WHERE id = ?
		  AND status IN ('PENDING', 'RETRY_SCHEDULED')
		  AND attempt_count <= max_retries
		  AND cancel_requested = 0
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		RETURNING `+instanceColumns,
		workerID,
		toNanos(now.Add(ttl)),
		toNanos(now),
		id,
		toNanos(now),
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("failed to claim job instance: %w", err)
	}
	return inst, nil
}

// RenewLease implements JobStore.RenewLease
func (s *SQLiteStore) RenewLease(ctx context.Context, token model.LeaseToken, now time.Time, ttl time.Duration) (bool, error) {
	var cancelRequested int
	err := s.db.QueryRowContext(ctx, `
		UPDATE job_instances SET lease_expires_at = ?
		WHERE id = ? AND status = 'RUNNING' AND worker_id = ? AND attempt_count = ?
		RETURNING cancel_requested`,
		toNanos(now.Add(ttl)), token.InstanceID, token.WorkerID, token.Attempt,
	).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("renew %s: %w", token.InstanceID, ErrLeaseLost)
		}
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return cancelRequested == 1, nil
}

// CompleteInstance implements JobStore.CompleteInstance
func (s *SQLiteStore) CompleteInstance(ctx context.Context, token model.LeaseToken, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_instances SET
			status = 'SUCCEEDED',
			lease_expires_at = NULL,
			finished_at = ?
		WHERE id = ? AND status = 'RUNNING' AND worker_id = ? AND attempt_count = ?`,
		toNanos(now), token.InstanceID, token.WorkerID, token.Attempt)
	if err != nil {
		return fmt.Errorf("failed to complete job instance: %w", err)
	}
	return expectOne(res, fmt.Errorf("complete %s: %w", token.InstanceID, ErrLeaseLost))
}

// FailInstance implements JobStore.FailInstance
func (s *SQLiteStore) FailInstance(ctx context.Context, token model.LeaseToken, errMsg string, nextAttemptAt, now time.Time) (model.InstanceStatus, error) {
	var status model.InstanceStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE job_instances SET
			status = CASE WHEN `+exhaustedExpr+` THEN 'DEAD' ELSE 'RETRY_SCHEDULED' END,
			last_error = ?,
			lease_expires_at = NULL,
			next_attempt_at = CASE WHEN `+exhaustedExpr+` THEN NULL ELSE ? END,
			finished_at = CASE WHEN `+exhaustedExpr+` THEN ? ELSE NULL END
		WHERE id = ? AND status = 'RUNNING' AND worker_id = ? AND attempt_count = ?
		RETURNING status`,
		errMsg,
		toNanos(nextAttemptAt),
		toNanos(now),
		token.InstanceID, token.WorkerID, token.Attempt,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fail %s: %w", token.InstanceID, ErrLeaseLost)
		}
		return "", fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return status, nil
}

// BuryInstance implements JobStore.BuryInstance
func (s *SQLiteStore) BuryInstance(ctx context.Context, token model.LeaseToken, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_instances SET
			status = 'DEAD',
			last_error = ?,
			lease_expires_at = NULL,
			next_attempt_at = NULL,
			finished_at = ?
		WHERE id = ? AND status = 'RUNNING' AND worker_id = ? AND attempt_count = ?`,
		errMsg, toNanos(now), token.InstanceID, token.WorkerID, token.Attempt)
	if err != nil {
		return fmt.Errorf("failed to bury job instance: %w", err)
	}
	return expectOne(res, fmt.Errorf("bury %s: %w", token.InstanceID, ErrLeaseLost))
}

// ExpireLeases implements JobStore.ExpireLeases
func (s *SQLiteStore) ExpireLeases(ctx context.Context, now time.Time) ([]*model.JobInstance, error) {
	n := toNanos(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM job_instances
		WHERE status = 'RUNNING' AND lease_expires_at < ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	var recovered []*model.JobInstance
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			UPDATE job_instances SET
				status = CASE WHEN `+exhaustedExpr+` THEN 'DEAD' ELSE 'RETRY_SCHEDULED' END,
				last_error = CASE WHEN cancel_requested = 1 THEN 'cancelled' ELSE ? END,
				lease_expires_at = NULL,
				next_attempt_at = CASE WHEN `+exhaustedExpr+` THEN NULL ELSE ? END,
				finished_at = CASE WHEN `+exhaustedExpr+` THEN ? ELSE NULL END
			WHERE id = ? AND status = 'RUNNING' AND lease_expires_at < ?
			RETURNING `+instanceColumns,
			leaseExpiredError, n, n, id, n)
		inst, err := scanInstance(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Renewed or completed since the scan.
				continue
			}
			return recovered, fmt.Errorf("failed to expire lease: %w", err)
		}
		s.logger.Info("Recovered expired lease",
			zap.String("instance_id", inst.ID),
			zap.String("status", string(inst.Status)),
			zap.Int("attempt", inst.AttemptCount))
		recovered = append(recovered, inst)
	}
	return recovered, nil
}

// CancelInstance implements JobStore.CancelInstance
func (s *SQLiteStore) CancelInstance(ctx context.Context, id string, now time.Time) (model.InstanceStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_instances SET
			status = 'DEAD',
			cancel_requested = 1,
			last_error = 'cancelled',
			next_attempt_at = NULL,
			finished_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RETRY_SCHEDULED')`,
		toNanos(now), id)
	if err != nil {
		return "", fmt.Errorf("failed to cancel job instance: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return model.InstanceStatusDead, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE job_instances SET cancel_requested = 1
		WHERE id = ? AND status = 'RUNNING'`, id)
	if err != nil {
		return "", fmt.Errorf("failed to flag job instance for cancellation: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return model.InstanceStatusRunning, nil
	}

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return "", err
	}
	return inst.Status, fmt.Errorf("instance %s is %s: %w", id, inst.Status, ErrConflict)
}

// SetDisposition implements JobStore.SetDisposition
func (s *SQLiteStore) SetDisposition(ctx context.Context, id, disposition string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_instances SET disposition = ? WHERE id = ?`, disposition, id)
	if err != nil {
		return fmt.Errorf("failed to set disposition: %w", err)
	}
	return expectOne(res, fmt.Errorf("job instance %s: %w", id, ErrNotFound))
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]*model.JobInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.JobInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return instances, nil
}

func scanInstance(row rowScanner) (*model.JobInstance, error) {
	var (
		inst                              model.JobInstance
		scheduled, createdAt              int64
		priority, cancelRequested         int
		lastError, workerID, disposition  sql.NullString
		lease, nextAttempt, started, done sql.NullInt64
	)
	err := row.Scan(
		&inst.ID,
		&inst.JobID,
		&scheduled,
		&inst.Status,
		&priority,
		&inst.AttemptCount,
		&inst.MaxRetries,
		&lastError,
		&workerID,
		&lease,
		&nextAttempt,
		&cancelRequested,
		&started,
		&done,
		&disposition,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	inst.ScheduledTime = fromNanos(scheduled)
	inst.Priority = model.JobPriority(priority)
	inst.LastError = lastError.String
	inst.WorkerID = workerID.String
	inst.LeaseExpiresAt = timePtr(lease)
	inst.NextAttemptAt = timePtr(nextAttempt)
	inst.CancelRequested = cancelRequested == 1
	inst.StartedAt = timePtr(started)
	inst.FinishedAt = timePtr(done)
	inst.Disposition = disposition.String
	inst.CreatedAt = fromNanos(createdAt)
	return &inst, nil
}
