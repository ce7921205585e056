package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/jobflow/internal/model"
)

const definitionColumns = `id, name, schedule, job_type, target, payload, max_retries,
	priority, enabled, next_fire_at, created_at, updated_at`

// CreateDefinition implements JobStore.CreateDefinition
func (s *SQLiteStore) CreateDefinition(ctx context.Context, def *model.JobDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID,
		def.Name,
		def.Schedule,
		def.Type,
		def.Target,
		nullString(string(def.Payload)),
		def.MaxRetries,
		int(def.Priority),
		boolInt(def.Enabled),
		nullTime(def.NextFireAt),
		toNanos(def.CreatedAt),
		toNanos(def.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job definition %s: %w", def.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to store job definition: %w", err)
	}
	return nil
}

// UpdateDefinition implements JobStore.UpdateDefinition
func (s *SQLiteStore) UpdateDefinition(ctx context.Context, def *model.JobDefinition) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_definitions SET
			name = ?,
			schedule = ?,
			job_type = ?,
			target = ?,
			payload = ?,
			max_retries = ?,
			priority = ?,
			enabled = ?,
			next_fire_at = ?,
			updated_at = ?
		WHERE id = ?`,
		def.Name,
		def.Schedule,
		def.Type,
		def.Target,
		nullString(string(def.Payload)),
		def.MaxRetries,
		int(def.Priority),
		boolInt(def.Enabled),
		nullTime(def.NextFireAt),
		toNanos(def.UpdatedAt),
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job definition: %w", err)
	}
	return expectOne(res, fmt.Errorf("job definition %s: %w", def.ID, ErrNotFound))
}

// GetDefinition implements JobStore.GetDefinition
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*model.JobDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job definition %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan job definition: %w", err)
	}
	return def, nil
}

// ListDefinitions implements JobStore.ListDefinitions
func (s *SQLiteStore) ListDefinitions(ctx context.Context, enabledOnly bool) ([]*model.JobDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM job_definitions`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name, id`
	return s.queryDefinitions(ctx, query)
}

// DueDefinitions implements JobStore.DueDefinitions
func (s *SQLiteStore) DueDefinitions(ctx context.Context, now time.Time) ([]*model.JobDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM job_definitions
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at, priority DESC`, toNanos(now))
}

// AdvanceFireTime implements JobStore.AdvanceFireTime
func (s *SQLiteStore) AdvanceFireTime(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_definitions SET next_fire_at = ?
		WHERE id = ? AND next_fire_at = ?`,
		toNanos(next), id, toNanos(prev))
	if err != nil {
		return false, fmt.Errorf("failed to advance fire time: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// RetireDefinition implements JobStore.RetireDefinition
func (s *SQLiteStore) RetireDefinition(ctx context.Context, id string, prev, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_definitions SET enabled = 0, next_fire_at = NULL, updated_at = ?
		WHERE id = ? AND next_fire_at = ?`,
		toNanos(now), id, toNanos(prev))
	if err != nil {
		return false, fmt.Errorf("failed to retire job definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) queryDefinitions(ctx context.Context, query string, args ...any) ([]*model.JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return defs, nil
}

func scanDefinition(row rowScanner) (*model.JobDefinition, error) {
	var (
		def                  model.JobDefinition
		payload              sql.NullString
		priority, enabled    int
		nextFire             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Schedule,
		&def.Type,
		&def.Target,
		&payload,
		&def.MaxRetries,
		&priority,
		&enabled,
		&nextFire,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		def.Payload = json.RawMessage(payload.String)
	}
	def.Priority = model.JobPriority(priority)
	def.Enabled = enabled == 1
	def.NextFireAt = timePtr(nextFire)
	def.CreatedAt = fromNanos(createdAt)
	def.UpdatedAt = fromNanos(updatedAt)
	return &def, nil
}

func expectOne(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
