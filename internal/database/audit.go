package database

import (
	"context"
	"fmt"

	"realtysync/internal/models"
)

func (s store) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = nowUTC()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO sync_audit_log (entity_type, entity_key, action, user_id, user_email, detail, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		string(entry.EntityType), entry.EntityKey, entry.Action, entry.UserID, entry.UserEmail, entry.Detail, entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, optionally for one key.
func (s store) ListAudit(ctx context.Context, entityKey string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, entity_type, entity_key, action, user_id, user_email, detail, created_at
         FROM sync_audit_log WHERE ($1 = '' OR entity_key = $1) ORDER BY id DESC LIMIT $2`,
		entityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityKey, &e.Action, &e.UserID, &e.UserEmail, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
