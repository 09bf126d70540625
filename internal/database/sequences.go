package database

import (
	"context"
	"fmt"

	"realtysync/internal/models"
)

// NextKey allocates the next business-key sequence value for t. The row
// update takes a write lock, so concurrent creates never share a key.
func (tx *Tx) NextKey(ctx context.Context, t models.EntityType) (int64, error) {
	name := t.Table()
	if _, err := tx.q.ExecContext(ctx,
		`INSERT INTO key_sequences (name, last_value) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("failed to init key sequence: %w", err)
	}

	var next int64
	err := tx.q.QueryRowContext(ctx,
		`UPDATE key_sequences SET last_value = last_value + 1 WHERE name = $1 RETURNING last_value`, name).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate key: %w", err)
	}
	return next, nil
}

// SeedKeySequence raises the sequence for t to at least value. Used once
// when adopting a spreadsheet that already carries keys.
func (s store) SeedKeySequence(ctx context.Context, t models.EntityType, value int64) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO key_sequences (name, last_value) VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE SET last_value = CASE
            WHEN key_sequences.last_value < excluded.last_value THEN excluded.last_value
            ELSE key_sequences.last_value END`, t.Table(), value)
	if err != nil {
		return fmt.Errorf("failed to seed key sequence: %w", err)
	}
	return nil
}

// CurrentKeySequence returns the last allocated value, or 0.
func (s store) CurrentKeySequence(ctx context.Context, t models.EntityType) (int64, error) {
	var v int64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(last_value), 0) FROM key_sequences WHERE name = $1`, t.Table()).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read key sequence: %w", err)
	}
	return v, nil
}
