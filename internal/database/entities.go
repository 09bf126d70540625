package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"realtysync/internal/models"
)

func entityColumns(t models.EntityType) []string {
	cols := []string{"id", t.KeyColumn()}
	cols = append(cols, t.FieldNames()...)
	return append(cols, "sync_status", "last_synced_at", "last_sync_error", "created_at", "updated_at")
}

func scanEntity(t models.EntityType, row interface{ Scan(...interface{}) error }) (*models.Entity, error) {
	fields := t.FieldNames()
	e := &models.Entity{Type: t, Fields: make(map[string]string, len(fields))}
	values := make([]string, len(fields))

	dest := []interface{}{&e.ID, &e.Key}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &e.SyncStatus, &e.LastSyncedAt, &e.LastSyncError, &e.CreatedAt, &e.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, f := range fields {
		e.Fields[f] = values[i]
	}
	return e, nil
}

// GetEntity loads a seller or buyer by primary key.
func (s store) GetEntity(ctx context.Context, t models.EntityType, id int64) (*models.Entity, error) {
	return s.getEntity(ctx, t, "id", id, "")
}

// GetEntityByKey loads a seller or buyer by business key.
func (s store) GetEntityByKey(ctx context.Context, t models.EntityType, key string) (*models.Entity, error) {
	return s.getEntity(ctx, t, t.KeyColumn(), key, "")
}

func (s store) getEntity(ctx context.Context, t models.EntityType, col string, arg interface{}, suffix string) (*models.Entity, error) {
	if !t.Valid() {
		return nil, ErrInvalidType
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1%s`,
		strings.Join(entityColumns(t), ", "), t.Table(), col, suffix)

	e, err := scanEntity(t, s.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", t, err)
	}
	return e, nil
}

// ListEntities returns entities ordered by id.
func (s store) ListEntities(ctx context.Context, t models.EntityType, limit, offset int) ([]*models.Entity, error) {
	if !t.Valid() {
		return nil, ErrInvalidType
	}
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id LIMIT $1 OFFSET $2`,
		strings.Join(entityColumns(t), ", "), t.Table())

	rows, err := s.q.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.Table(), err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(t, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertEntity stores a new entity under a freshly allocated business key.
// Callers run it inside WithTx so the key allocation and the insert commit
// together.
func (tx *Tx) InsertEntity(ctx context.Context, t models.EntityType, fields map[string]string) (*models.Entity, error) {
	if !t.Valid() {
		return nil, ErrInvalidType
	}
	if err := checkFields(t, fields); err != nil {
		return nil, err
	}

	seq, err := tx.NextKey(ctx, t)
	if err != nil {
		return nil, err
	}
	key := t.FormatKey(seq)
	now := nowUTC()

	cols := []string{t.KeyColumn()}
	args := []interface{}{key}
	for _, f := range t.FieldNames() {
		cols = append(cols, f)
		args = append(args, fields[f])
	}
	cols = append(cols, "sync_status", "created_at", "updated_at")
	args = append(args, models.SyncStatusPending, now, now)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		t.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	e := &models.Entity{
		Type:       t,
		Key:        key,
		Fields:     make(map[string]string, len(t.FieldNames())),
		SyncStatus: models.SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.q.QueryRowContext(ctx, query, args...).Scan(&e.ID); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", t, err)
	}
	for _, f := range t.FieldNames() {
		e.Fields[f] = fields[f]
	}
	return e, nil
}

// UpdateEntityFields applies updates to the row and returns the updated
// entity along with the subset of fields whose value actually changed and
// their previous values. Unchanged values are not written.
func (tx *Tx) UpdateEntityFields(ctx context.Context, t models.EntityType, id int64, updates map[string]string) (entity *models.Entity, changed, previous map[string]string, err error) {
	if err := checkFields(t, updates); err != nil {
		return nil, nil, nil, err
	}

	current, err := tx.getEntity(ctx, t, "id", id, tx.forUpdate())
	if err != nil {
		return nil, nil, nil, err
	}

	changed = make(map[string]string)
	previous = make(map[string]string)
	for f, v := range updates {
		if current.Fields[f] == v {
			continue
		}
		changed[f] = v
		previous[f] = current.Fields[f]
	}
	if len(changed) == 0 {
		return current, changed, previous, nil
	}

	names := make([]string, 0, len(changed))
	for f := range changed {
		names = append(names, f)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]interface{}, 0, len(names)+2)
	for i, f := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", f, i+1))
		args = append(args, changed[f])
	}
	now := nowUTC()
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
	args = append(args, now, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, t.Table(), strings.Join(sets, ", "), len(args))
	if _, err := tx.q.ExecContext(ctx, query, args...); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to update %s: %w", t, err)
	}

	for f, v := range changed {
		current.Fields[f] = v
	}
	current.UpdatedAt = now
	return current, changed, previous, nil
}

// OverwriteFromSheet stores sheet values into the row and marks it synced.
// Used when an operator resolves a conflict in favour of the sheet.
func (s store) OverwriteFromSheet(ctx context.Context, t models.EntityType, id int64, values map[string]string, at time.Time) error {
	if err := checkFields(t, values); err != nil {
		return err
	}
	names := make([]string, 0, len(values))
	for f := range values {
		names = append(names, f)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+3)
	args := make([]interface{}, 0, len(names)+4)
	for i, f := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", f, i+1))
		args = append(args, values[f])
	}
	n := len(args)
	sets = append(sets, syncedSets(n+1, n+2, n+3)...)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", n+3))
	args = append(args, string(t), id, at.UTC())

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, t.Table(), strings.Join(sets, ", "), n+2)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to overwrite %s: %w", t, err)
	}
	return expectOneRow(res)
}

// syncedSets builds the SET clauses for a successful sheet write. An entity
// with an open conflict record keeps sync_status conflict and its error, so
// a later write of other fields does not hide the halt.
func syncedSets(typeParam, idParam, atParam int) []string {
	open := fmt.Sprintf(`EXISTS (SELECT 1 FROM sync_conflicts WHERE entity_type = $%d AND entity_id = $%d AND resolved_at IS NULL)`, typeParam, idParam)
	return []string{
		fmt.Sprintf(`sync_status = CASE WHEN %s THEN '%s' ELSE '%s' END`, open, models.SyncStatusConflict, models.SyncStatusSynced),
		fmt.Sprintf("last_synced_at = $%d", atParam),
		fmt.Sprintf(`last_sync_error = CASE WHEN %s THEN last_sync_error ELSE NULL END`, open),
	}
}

// MarkSynced records a successful sheet write.
func (s store) MarkSynced(ctx context.Context, t models.EntityType, id int64, at time.Time) error {
	if !t.Valid() {
		return ErrInvalidType
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $2`, t.Table(), strings.Join(syncedSets(1, 2, 3), ", "))
	res, err := s.q.ExecContext(ctx, query, string(t), id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", t, err)
	}
	return expectOneRow(res)
}

// SetSyncStatus records a non-synced outcome. last_synced_at is untouched.
func (s store) SetSyncStatus(ctx context.Context, t models.EntityType, id int64, status, syncErr string) error {
	if !t.Valid() {
		return ErrInvalidType
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_status = $1, last_sync_error = $2 WHERE id = $3`, t.Table())
	res, err := s.q.ExecContext(ctx, query, status, nullString(syncErr), id)
	if err != nil {
		return fmt.Errorf("failed to set %s sync status: %w", t, err)
	}
	return expectOneRow(res)
}

func checkFields(t models.EntityType, fields map[string]string) error {
	for f := range fields {
		if !t.HasField(f) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, t, f)
		}
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
