package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/jobflow/internal/model"
)

const notificationColumns = `id, channel, recipient, subject, body, status, retry_count, max_retries,
	scheduled_at, sent_at, error_message, source_instance_id, dedupe_key, claimed_until, created_at`

// CreateNotification implements NotificationStore.CreateNotification
func (s *SQLiteStore) CreateNotification(ctx context.Context, req *model.NotificationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, channel, recipient, subject, body, status, retry_count, max_retries,
			scheduled_at, source_instance_id, dedupe_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.Channel,
		req.Recipient,
		req.Subject,
		req.Body,
		req.Status,
		req.RetryCount,
		req.MaxRetries,
		toNanos(req.ScheduledAt),
		nullString(req.SourceInstanceID),
		nullString(req.DedupeKey),
		toNanos(req.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("notification %s: %w", req.DedupeKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// GetNotification implements NotificationStore.GetNotification
func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*model.NotificationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	req, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	return req, nil
}

// NotificationsByStatus implements NotificationStore.NotificationsByStatus
func (s *SQLiteStore) NotificationsByStatus(ctx context.Context, status model.NotificationStatus, limit int) ([]*model.NotificationRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var reqs []*model.NotificationRequest
	for rows.Next() {
		req, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reqs, nil
}

// ClaimDueNotifications implements NotificationStore.ClaimDueNotifications
func (s *SQLiteStore) ClaimDueNotifications(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]*model.NotificationRequest, error) {
	n := toNanos(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM notifications
		WHERE status = 'PENDING' AND scheduled_at <= ?
		  AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY scheduled_at, id
		LIMIT ?`, n, n, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	var claimed []*model.NotificationRequest
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			UPDATE notifications SET claimed_until = ?
			WHERE id = ? AND status = 'PENDING'
			  AND (claimed_until IS NULL OR claimed_until < ?)
			RETURNING `+notificationColumns,
			toNanos(now.Add(claimFor)), id, n)
		req, err := scanNotification(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return claimed, fmt.Errorf("failed to claim notification: %w", err)
		}
		claimed = append(claimed, req)
	}
	return claimed, nil
}

// RecordAttempt implements NotificationStore.RecordAttempt
func (s *SQLiteStore) RecordAttempt(ctx context.Context, req *model.NotificationRequest, attempt model.NotificationAttempt, dl *model.DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE notifications SET
			status = ?,
			retry_count = ?,
			scheduled_at = ?,
			sent_at = ?,
			error_message = ?,
			claimed_until = NULL
		WHERE id = ? AND status = 'PENDING' AND claimed_until IS ?`,
		req.Status,
		req.RetryCount,
		toNanos(req.ScheduledAt),
		nullTime(req.SentAt),
		nullString(req.Error),
		req.ID,
		nullTime(req.ClaimedUntil),
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if err := expectOne(res, fmt.Errorf("notification %s no longer held by this claim: %w", req.ID, ErrConflict)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_attempts (request_id, attempt, error, attempted_at)
		VALUES (?, ?, ?, ?)`,
		attempt.RequestID,
		attempt.Attempt,
		nullString(attempt.Error),
		toNanos(attempt.AttemptedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("notification %s attempt %d: %w", req.ID, attempt.Attempt, ErrConflict)
		}
		return fmt.Errorf("failed to store notification attempt: %w", err)
	}

	if dl != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_dead_letters (
				request_id, channel, recipient, subject, error, retry_count, failed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dl.RequestID,
			dl.Channel,
			dl.Recipient,
			dl.Subject,
			dl.Error,
			dl.RetryCount,
			toNanos(dl.FailedAt),
		); err != nil {
			return fmt.Errorf("failed to store dead letter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification attempt: %w", err)
	}
	req.ClaimedUntil = nil
	return nil
}

// NotificationAttempts implements NotificationStore.NotificationAttempts
func (s *SQLiteStore) NotificationAttempts(ctx context.Context, requestID string) ([]model.NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, attempt, error, attempted_at
		FROM notification_attempts
		WHERE request_id = ?
		ORDER BY attempt`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.NotificationAttempt
	for rows.Next() {
		var (
			a           model.NotificationAttempt
			errStr      sql.NullString
			attemptedAt int64
		)
		if err := rows.Scan(&a.RequestID, &a.Attempt, &errStr, &attemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification attempt: %w", err)
		}
		a.Error = errStr.String
		a.AttemptedAt = fromNanos(attemptedAt)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

// DeadLetters implements NotificationStore.DeadLetters
func (s *SQLiteStore) DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, channel, recipient, subject, error, retry_count, failed_at
		FROM notification_dead_letters
		ORDER BY failed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	var letters []*model.DeadLetter
	for rows.Next() {
		var (
			dl              model.DeadLetter
			subject, errStr sql.NullString
			failedAt        int64
		)
		if err := rows.Scan(&dl.RequestID, &dl.Channel, &dl.Recipient, &subject, &errStr, &dl.RetryCount, &failedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Subject = subject.String
		dl.Error = errStr.String
		dl.FailedAt = fromNanos(failedAt)
		letters = append(letters, &dl)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	// History is loaded after the cursor is closed; the store holds one connection.
	for _, dl := range letters {
		history, err := s.NotificationAttempts(ctx, dl.RequestID)
		if err != nil {
			return nil, err
		}
		dl.History = history
	}
	return letters, nil
}

func scanNotification(row rowScanner) (*model.NotificationRequest, error) {
	var (
		req                   model.NotificationRequest
		subject, body, errStr sql.NullString
		source, dedupe        sql.NullString
		scheduled, createdAt  int64
		sentAt, claimedUntil  sql.NullInt64
	)
	err := row.Scan(
		&req.ID,
		&req.Channel,
		&req.Recipient,
		&subject,
		&body,
		&req.Status,
		&req.RetryCount,
		&req.MaxRetries,
		&scheduled,
		&sentAt,
		&errStr,
		&source,
		&dedupe,
		&claimedUntil,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	req.Subject = subject.String
	req.Body = body.String
	req.Error = errStr.String
	req.SourceInstanceID = source.String
	req.DedupeKey = dedupe.String
	req.ScheduledAt = fromNanos(scheduled)
	req.SentAt = timePtr(sentAt)
	req.ClaimedUntil = timePtr(claimedUntil)
	req.CreatedAt = fromNanos(createdAt)
	return &req, nil
}
