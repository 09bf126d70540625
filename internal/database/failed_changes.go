package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"realtysync/internal/models"
)

const failedChangeColumns = `id, entity_type, entity_key, field_name, task_type, old_value, new_value, retry_count, last_error, created_at`

func scanFailedChange(row interface{ Scan(...interface{}) error }) (*models.FailedChangeRecord, error) {
	var r models.FailedChangeRecord
	err := row.Scan(&r.ID, &r.EntityType, &r.EntityKey, &r.FieldName, &r.TaskType, &r.OldValue, &r.NewValue,
		&r.RetryCount, &r.LastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertFailedChange stores one field write that exhausted its retries.
func (s store) InsertFailedChange(ctx context.Context, rec *models.FailedChangeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	if rec.TaskType == "" {
		rec.TaskType = models.TaskUpdate
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO sync_failed_changes (entity_type, entity_key, field_name, task_type, old_value, new_value, retry_count, last_error, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		string(rec.EntityType), rec.EntityKey, rec.FieldName, rec.TaskType, rec.OldValue, rec.NewValue,
		rec.RetryCount, rec.LastError, rec.CreatedAt.UTC(),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert failed change: %w", err)
	}
	return nil
}

func (s store) GetFailedChange(ctx context.Context, id int64) (*models.FailedChangeRecord, error) {
	r, err := scanFailedChange(s.q.QueryRowContext(ctx,
		`SELECT `+failedChangeColumns+` FROM sync_failed_changes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed change: %w", err)
	}
	return r, nil
}

// ListFailedChanges returns records oldest first. entityKey narrows the
// result when non-empty.
func (s store) ListFailedChanges(ctx context.Context, entityType models.EntityType, entityKey string, limit int) ([]*models.FailedChangeRecord, error) {
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	query := `SELECT ` + failedChangeColumns + ` FROM sync_failed_changes
              WHERE ($1 = '' OR entity_type = $1) AND ($2 = '' OR entity_key = $2)
              ORDER BY id LIMIT $3`
	rows, err := s.q.QueryContext(ctx, query, string(entityType), entityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed changes: %w", err)
	}
	defer rows.Close()

	var out []*models.FailedChangeRecord
	for rows.Next() {
		r, err := scanFailedChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed change: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordReplayFailure bumps the retry counter after a failed manual replay.
func (s store) RecordReplayFailure(ctx context.Context, id int64, errMsg string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_failed_changes SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
		nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to update failed change: %w", err)
	}
	return expectOneRow(res)
}

// DeleteFailedChange removes a record after a successful replay.
func (s store) DeleteFailedChange(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sync_failed_changes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete failed change: %w", err)
	}
	return expectOneRow(res)
}

// DeleteFailedChanges removes every record of one entity. Used once the
// entity's full current row has reached the sheet.
func (s store) DeleteFailedChanges(ctx context.Context, t models.EntityType, key string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM sync_failed_changes WHERE entity_type = $1 AND entity_key = $2`, string(t), key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete failed changes: %w", err)
	}
	return res.RowsAffected()
}

// HasUndeliveredCreate reports whether the entity's create ran out of
// retries, leaving no row on the sheet to update.
func (s store) HasUndeliveredCreate(ctx context.Context, t models.EntityType, key string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_failed_changes WHERE entity_type = $1 AND entity_key = $2 AND task_type = $3`,
		string(t), key, models.TaskCreate).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check failed creates: %w", err)
	}
	return n > 0, nil
}

func (s store) CountFailedChanges(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_failed_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed changes: %w", err)
	}
	return n, nil
}
