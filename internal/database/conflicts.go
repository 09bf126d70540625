package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"realtysync/internal/models"
)

const conflictColumns = `id, entity_type, entity_id, entity_key, task_id, conflicts, detected_at, resolved_at, resolution, resolved_by`

func scanConflict(row interface{ Scan(...interface{}) error }) (*models.ConflictRecord, error) {
	var (
		r   models.ConflictRecord
		raw string
	)
	err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.EntityKey, &r.TaskID, &raw,
		&r.DetectedAt, &r.ResolvedAt, &r.Resolution, &r.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &r.Conflicts); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}
	return &r, nil
}

// InsertConflict persists a detected conflict for operator review.
func (s store) InsertConflict(ctx context.Context, rec *models.ConflictRecord) error {
	raw, err := json.Marshal(rec.Conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = nowUTC()
	}
	err = s.q.QueryRowContext(ctx,
		`INSERT INTO sync_conflicts (entity_type, entity_id, entity_key, task_id, conflicts, detected_at)
         VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		string(rec.EntityType), rec.EntityID, rec.EntityKey, rec.TaskID, string(raw), rec.DetectedAt.UTC(),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func (s store) GetConflict(ctx context.Context, id int64) (*models.ConflictRecord, error) {
	r, err := scanConflict(s.q.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return r, nil
}

// ListConflicts returns conflicts oldest first; open restricts the result
// to unresolved ones.
func (s store) ListConflicts(ctx context.Context, open bool, limit int) ([]*models.ConflictRecord, error) {
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if open {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id LIMIT $1`

	rows, err := s.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveConflict closes an open conflict. It returns ErrNotFound when the
// conflict does not exist or was already resolved.
func (s store) ResolveConflict(ctx context.Context, id int64, resolution, resolvedBy string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_conflicts SET resolved_at = $1, resolution = $2, resolved_by = $3
         WHERE id = $4 AND resolved_at IS NULL`,
		nowUTC(), resolution, nullString(resolvedBy), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	return expectOneRow(res)
}

func (s store) CountOpenConflicts(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
