package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"realtysync/internal/models"
)

// HashValue is the content hash stored next to a snapshot value.
func HashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// UpsertSnapshots records the values just written to the sheet.
func (s store) UpsertSnapshots(ctx context.Context, t models.EntityType, key string, values map[string]string, at time.Time) error {
	for field, v := range values {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO sync_snapshots (entity_type, entity_key, field_name, value, value_hash, synced_at)
             VALUES ($1, $2, $3, $4, $5, $6)
             ON CONFLICT (entity_type, entity_key, field_name)
             DO UPDATE SET value = excluded.value, value_hash = excluded.value_hash, synced_at = excluded.synced_at`,
			string(t), key, field, v, HashValue(v), at.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot %s.%s: %w", key, field, err)
		}
	}
	return nil
}

// GetSnapshots returns the stored snapshots for the named fields. Fields
// without a snapshot are absent from the result.
func (s store) GetSnapshots(ctx context.Context, t models.EntityType, key string, fields []string) (map[string]models.FieldSnapshot, error) {
	out := make(map[string]models.FieldSnapshot, len(fields))
	if len(fields) == 0 {
		return out, nil
	}

	args := []interface{}{string(t), key}
	placeholders := make([]string, len(fields))
	for i, f := range fields {
		args = append(args, f)
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}
	query := fmt.Sprintf(`SELECT entity_type, entity_key, field_name, value, value_hash, synced_at
        FROM sync_snapshots WHERE entity_type = $1 AND entity_key = $2 AND field_name IN (%s)`,
		strings.Join(placeholders, ", "))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap models.FieldSnapshot
		if err := rows.Scan(&snap.EntityType, &snap.EntityKey, &snap.FieldName, &snap.Value, &snap.ValueHash, &snap.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out[snap.FieldName] = snap
	}
	return out, rows.Err()
}
