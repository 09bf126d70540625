package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtysync/internal/models"

	"github.com/google/uuid"
)

const syncTaskColumns = `id, task_type, entity_type, entity_id, payload, status, attempts, last_error, trace_id, created_at, claimed_at, processed_at`

func scanSyncTask(row interface{ Scan(...interface{}) error }) (*models.SyncTask, error) {
	var t models.SyncTask
	err := row.Scan(&t.ID, &t.TaskType, &t.EntityType, &t.EntityID, &t.Payload, &t.Status,
		&t.Attempts, &t.LastError, &t.TraceID, &t.CreatedAt, &t.ClaimedAt, &t.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateSyncTask appends a pending task to the outbox.
func (s store) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	now := nowUTC()
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.TraceID == "" {
		task.TraceID = uuid.NewString()
	}

	query := `INSERT INTO sync_queue (task_type, entity_type, entity_id, payload, status, attempts, trace_id, created_at)
              VALUES ($1, $2, $3, $4, $5, 0, $6, $7) RETURNING id`
	err := s.q.QueryRowContext(ctx, query,
		task.TaskType,
		string(task.EntityType),
		task.EntityID,
		task.Payload,
		task.Status,
		task.TraceID,
		now,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}
	task.CreatedAt = now
	return nil
}

// GetSyncTask loads one outbox row.
func (s store) GetSyncTask(ctx context.Context, id int64) (*models.SyncTask, error) {
	t, err := scanSyncTask(s.q.QueryRowContext(ctx,
		`SELECT `+syncTaskColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return t, nil
}

// ClaimSyncTasks moves up to limit runnable tasks to processing and returns
// them. A task is runnable when it is the oldest unfinished task of its
// entity, so tasks of one entity are handed out strictly one at a time and
// in insertion order.
func (db *DB) ClaimSyncTasks(ctx context.Context, limit int) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = models.DefaultBatchSize
	}

	var claimed []*models.SyncTask
	err := db.WithTx(ctx, func(tx *Tx) error {
		query := `SELECT ` + syncTaskColumns + ` FROM sync_queue q
                  WHERE q.status = $1
                    AND q.id = (
                        SELECT MIN(o.id) FROM sync_queue o
                        WHERE o.entity_type = q.entity_type
                          AND o.entity_id = q.entity_id
                          AND o.status IN ($1, $2)
                    )
                  ORDER BY q.id
                  LIMIT $3` + tx.skipLocked()

		rows, err := tx.q.QueryContext(ctx, query, models.TaskStatusPending, models.TaskStatusProcessing, limit)
		if err != nil {
			return fmt.Errorf("failed to select runnable tasks: %w", err)
		}
		for rows.Next() {
			t, err := scanSyncTask(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan sync task: %w", err)
			}
			claimed = append(claimed, t)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := nowUTC()
		for _, t := range claimed {
			_, err := tx.q.ExecContext(ctx,
				`UPDATE sync_queue SET status = $1, claimed_at = $2, attempts = attempts + 1 WHERE id = $3`,
				models.TaskStatusProcessing, now, t.ID)
			if err != nil {
				return fmt.Errorf("failed to claim task %d: %w", t.ID, err)
			}
			t.Status = models.TaskStatusProcessing
			t.ClaimedAt = &now
			t.Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteSyncTask marks a task finished. errMsg may carry a non-fatal note
// such as "deferred to retry queue".
func (s store) CompleteSyncTask(ctx context.Context, id int64, errMsg string) error {
	return s.finishSyncTask(ctx, id, models.TaskStatusCompleted, errMsg)
}

// FailSyncTask marks a task as terminally failed.
func (s store) FailSyncTask(ctx context.Context, id int64, errMsg string) error {
	return s.finishSyncTask(ctx, id, models.TaskStatusFailed, errMsg)
}

func (s store) finishSyncTask(ctx context.Context, id int64, status, errMsg string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = $1, last_error = $2, processed_at = $3 WHERE id = $4`,
		status, nullString(errMsg), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return expectOneRow(res)
}

// RecoverStaleTasks returns processing tasks claimed before cutoff to
// pending. It reports how many rows were reset.
func (s store) RecoverStaleTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = $1, claimed_at = NULL WHERE status = $2 AND claimed_at < $3`,
		models.TaskStatusPending, models.TaskStatusProcessing, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// ListSyncTasks returns tasks in the given status, newest first. An empty
// status lists every task.
// ListDeadTasks returns failed tasks newest first, leaving out conflict
// halts, which are tracked in sync_conflicts.
func (s store) ListDeadTasks(ctx context.Context, limit int) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+syncTaskColumns+` FROM sync_queue q
         WHERE q.status = $1 AND NOT EXISTS (SELECT 1 FROM sync_conflicts c WHERE c.task_id = q.id)
         ORDER BY q.id DESC LIMIT $2`, models.TaskStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s store) ListSyncTasks(ctx context.Context, status string, limit int) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+syncTaskColumns+` FROM sync_queue ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+syncTaskColumns+` FROM sync_queue WHERE status = $1 ORDER BY id DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// QueueStats counts outbox rows by status.
func (s store) QueueStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count sync tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch status {
		case models.TaskStatusPending:
			stats.Pending = n
		case models.TaskStatusProcessing:
			stats.Processing = n
		case models.TaskStatusCompleted:
			stats.Completed = n
		case models.TaskStatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// PurgeFinishedTasks deletes completed tasks processed before cutoff.
func (s store) PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = $1 AND processed_at < $2`,
		models.TaskStatusCompleted, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync tasks: %w", err)
	}
	return res.RowsAffected()
}
