package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"realtysync/internal/database"
	"realtysync/internal/domain"
	"realtysync/internal/events"
	"realtysync/internal/models"
	"realtysync/internal/worker"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidResolution = errors.New("resolution must be keep_local or keep_sheet")
	ErrConflictClosed    = errors.New("conflict already resolved")
	ErrNoWriter          = errors.New("no spreadsheet writer for entity type")
)

// UpdateOptions tune a single mutation.
type UpdateOptions struct {
	// Force skips the conflict check for this change. The overwrite is
	// audited.
	Force bool
	// Await blocks until the sheet write finished and fills MutationResult.Sync.
	Await bool
}

// MutationResult reports a committed mutation. TaskID is zero when nothing
// changed and no sync was queued.
type MutationResult struct {
	Entity  *models.Entity     `json:"entity"`
	Changed []string           `json:"changed"`
	TaskID  int64              `json:"task_id,omitempty"`
	Sync    *models.SyncResult `json:"sync,omitempty"`
}

// SyncStats summarizes sync health.
type SyncStats struct {
	Queue         models.QueueStats `json:"queue"`
	FailedChanges int               `json:"failed_changes"`
	OpenConflicts int               `json:"open_conflicts"`
}

// SyncService commits seller and buyer mutations together with their sync
// task and hands the task to the queue.
type SyncService struct {
	db       *database.DB
	queue    domain.SyncQueue
	writers  map[models.EntityType]domain.RowWriter
	retry    *worker.RetryHandler
	initials domain.InitialsResolver
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
}

func NewSyncService(db *database.DB, queue domain.SyncQueue, retry *worker.RetryHandler, initials domain.InitialsResolver, eventBus domain.EventPublisher, logger *zerolog.Logger, writers ...domain.RowWriter) *SyncService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &SyncService{
		db:       db,
		queue:    queue,
		writers:  make(map[models.EntityType]domain.RowWriter, len(writers)),
		retry:    retry,
		initials: initials,
		eventBus: eventBus,
		logger:   logger,
	}
	for _, w := range writers {
		s.writers[w.EntityType()] = w
	}
	return s
}

// UpdateWithSync applies updateData to the entity and queues the sheet
// write in the same transaction. The database change stands whatever
// happens to the sync.
func (s *SyncService) UpdateWithSync(ctx context.Context, t models.EntityType, id int64, updateData map[string]string, userID, userEmail string, opts UpdateOptions) (*MutationResult, error) {
	if !t.Valid() {
		return nil, database.ErrInvalidType
	}

	var (
		res  MutationResult
		task *models.SyncTask
	)
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		entity, changed, previous, err := tx.UpdateEntityFields(ctx, t, id, updateData)
		if err != nil {
			return err
		}
		res.Entity = entity
		res.Changed = sortedKeys(changed)
		if len(changed) == 0 {
			return nil
		}

		task, err = newTask(models.TaskUpdate, entity, models.TaskPayload{
			Changed:   changed,
			Previous:  previous,
			Force:     opts.Force,
			UserID:    userID,
			UserEmail: userEmail,
		})
		if err != nil {
			return err
		}
		return tx.CreateSyncTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	if task == nil {
		s.logger.Debug().Str("entity_type", string(t)).Int64("entity_id", id).Msg("update changed nothing, no sync queued")
		return &res, nil
	}

	s.logger.Info().
		Str("entity_type", string(t)).
		Str("entity_key", res.Entity.Key).
		Strs("fields", res.Changed).
		Bool("force", opts.Force).
		Str("user_email", userEmail).
		Msg("entity updated, sync queued")

	s.dispatch(ctx, task, opts.Await, &res)
	return &res, nil
}

// CreateWithSync inserts a new entity under a sequence-allocated business
// key and queues the row append.
func (s *SyncService) CreateWithSync(ctx context.Context, t models.EntityType, fields map[string]string, userID, userEmail string, opts UpdateOptions) (*MutationResult, error) {
	if !t.Valid() {
		return nil, database.ErrInvalidType
	}

	var (
		res  MutationResult
		task *models.SyncTask
	)
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		entity, err := tx.InsertEntity(ctx, t, fields)
		if err != nil {
			return err
		}
		res.Entity = entity
		res.Changed = sortedKeys(fields)

		task, err = newTask(models.TaskCreate, entity, models.TaskPayload{UserID: userID, UserEmail: userEmail})
		if err != nil {
			return err
		}
		return tx.CreateSyncTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("entity_type", string(t)).
		Str("entity_key", res.Entity.Key).
		Str("user_email", userEmail).
		Msg("entity created, sync queued")

	s.dispatch(ctx, task, opts.Await, &res)
	return &res, nil
}

// dispatch signals the queue. The task is already durable, so an enqueue
// error only delays it until the next poll.
func (s *SyncService) dispatch(ctx context.Context, task *models.SyncTask, await bool, res *MutationResult) {
	res.TaskID = task.ID
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("enqueue signal failed, task left for poller")
		return
	}
	if !await {
		return
	}
	result, err := s.queue.Await(ctx, task.ID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("stopped waiting for sync result")
		return
	}
	res.Sync = &result
}

// ResolveConflict closes an open conflict.
//
// keep_local queues a forced write of the entity's current values for the
// conflicting fields. keep_sheet copies the sheet values into the database,
// records them as synced and queues the halted task's other fields.
func (s *SyncService) ResolveConflict(ctx context.Context, conflictID int64, resolution, userID, userEmail string) (*MutationResult, error) {
	if resolution != models.ResolutionKeepLocal && resolution != models.ResolutionKeepSheet {
		return nil, ErrInvalidResolution
	}

	rec, err := s.db.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.ResolvedAt != nil {
		return nil, ErrConflictClosed
	}
	entity, err := s.db.GetEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(rec.Conflicts))
	for _, c := range rec.Conflicts {
		fields = append(fields, c.FieldName)
	}
	sort.Strings(fields)

	var (
		res  = MutationResult{Entity: entity, Changed: fields}
		task *models.SyncTask
	)
	switch resolution {
	case models.ResolutionKeepLocal:
		task, err = s.keepLocal(ctx, rec, entity, fields, userID, userEmail)
	case models.ResolutionKeepSheet:
		task, err = s.keepSheet(ctx, rec, entity, fields, userID, userEmail)
	}
	if errors.Is(err, database.ErrNotFound) {
		// Lost a race with another operator.
		return nil, ErrConflictClosed
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("conflict_id", conflictID).
		Str("entity_key", entity.Key).
		Str("resolution", resolution).
		Str("user_email", userEmail).
		Msg("conflict resolved")
	s.publish(events.EventConflictResolved, entity, resolution, fields, userEmail)

	if task != nil {
		s.dispatch(ctx, task, false, &res)
	}
	if fresh, err := s.db.GetEntity(ctx, entity.Type, entity.ID); err == nil {
		res.Entity = fresh
	}
	return &res, nil
}

func (s *SyncService) keepLocal(ctx context.Context, rec *models.ConflictRecord, entity *models.Entity, fields []string, userID, userEmail string) (*models.SyncTask, error) {
	changed := make(map[string]string, len(fields))
	previous := make(map[string]string, len(fields))
	for _, c := range rec.Conflicts {
		changed[c.FieldName] = entity.Field(c.FieldName)
		previous[c.FieldName] = c.ActualSpreadsheetValue
	}

	task, err := newTask(models.TaskUpdate, entity, models.TaskPayload{
		Changed:   changed,
		Previous:  previous,
		Force:     true,
		UserID:    userID,
		UserEmail: userEmail,
	})
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.ResolveConflict(ctx, rec.ID, models.ResolutionKeepLocal, userEmail); err != nil {
			return err
		}
		if err := tx.CreateSyncTask(ctx, task); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, auditEntry(entity, models.AuditConflictResolved, userID, userEmail,
			map[string]interface{}{"conflict_id": rec.ID, "resolution": models.ResolutionKeepLocal, "fields": fields}))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SyncService) keepSheet(ctx context.Context, rec *models.ConflictRecord, entity *models.Entity, fields []string, userID, userEmail string) (*models.SyncTask, error) {
	writer, ok := s.writers[entity.Type]
	if !ok {
		return nil, ErrNoWriter
	}
	live, err := writer.ReadRow(ctx, entity.Key)
	if err != nil {
		return nil, fmt.Errorf("read sheet row: %w", err)
	}

	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f] = live[f]
	}

	// Fields of the halted task that did not conflict still need writing.
	var task *models.SyncTask
	if original, err := s.db.GetSyncTask(ctx, rec.TaskID); err == nil {
		var payload models.TaskPayload
		if json.Unmarshal([]byte(original.Payload), &payload) == nil {
			rest := models.TaskPayload{
				Changed:   map[string]string{},
				Previous:  map[string]string{},
				UserID:    userID,
				UserEmail: userEmail,
			}
			for f := range payload.Changed {
				if _, conflicted := values[f]; conflicted {
					continue
				}
				rest.Changed[f] = entity.Field(f)
				rest.Previous[f] = payload.Previous[f]
			}
			if len(rest.Changed) > 0 {
				if task, err = newTask(models.TaskUpdate, entity, rest); err != nil {
					return nil, err
				}
			}
		}
	}

	at := time.Now().UTC()
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.ResolveConflict(ctx, rec.ID, models.ResolutionKeepSheet, userEmail); err != nil {
			return err
		}
		if err := tx.OverwriteFromSheet(ctx, entity.Type, entity.ID, values, at); err != nil {
			return err
		}
		if err := tx.UpsertSnapshots(ctx, entity.Type, entity.Key, values, at); err != nil {
			return err
		}
		if task != nil {
			if err := tx.CreateSyncTask(ctx, task); err != nil {
				return err
			}
		}
		return tx.InsertAudit(ctx, auditEntry(entity, models.AuditConflictResolved, userID, userEmail,
			map[string]interface{}{"conflict_id": rec.ID, "resolution": models.ResolutionKeepSheet, "values": values}))
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ReplayFailedChange writes the entity's current value for the recorded
// field and deletes the record on success. The current value is used rather
// than the recorded one so a replay never rolls the sheet back past a later
// edit. When the entity's create never reached the sheet there is no row to
// update, so the full current row is appended and every record of the entity
// is cleared.
func (s *SyncService) ReplayFailedChange(ctx context.Context, id int64, userID, userEmail string) (models.SyncResult, error) {
	rec, err := s.db.GetFailedChange(ctx, id)
	if err != nil {
		return models.SyncResult{}, err
	}
	writer, ok := s.writers[rec.EntityType]
	if !ok {
		return models.SyncResult{}, ErrNoWriter
	}
	entity, err := s.db.GetEntityByKey(ctx, rec.EntityType, rec.EntityKey)
	if err != nil {
		return models.SyncResult{}, err
	}

	value := entity.Field(rec.FieldName)
	editor := ""
	if s.initials != nil && userEmail != "" {
		if initials, err := s.initials.Initials(ctx, userEmail); err == nil {
			editor = initials
		}
	}

	log := s.logger.With().
		Int64("failed_change_id", id).
		Str("entity_key", rec.EntityKey).
		Str("field", rec.FieldName).
		Logger()

	appendRow := rec.TaskType == models.TaskCreate
	if !appendRow && entity.LastSyncedAt == nil {
		if appendRow, err = s.db.HasUndeliveredCreate(ctx, entity.Type, entity.Key); err != nil {
			return models.SyncResult{}, err
		}
	}

	changed := map[string]string{rec.FieldName: value}
	write := func(ctx context.Context) error {
		return writer.UpdateFields(ctx, rec.EntityKey, changed, editor)
	}
	if appendRow {
		changed = entity.Fields
		write = func(ctx context.Context) error {
			return writer.AppendRow(ctx, entity.Key, entity.Fields, editor)
		}
	}

	result := s.retry.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		err := write(ctx)
		if errors.Is(err, domain.ErrRowNotFound) {
			return worker.Permanent(err)
		}
		return err
	})

	if !result.Success {
		msg := result.Err.Error()
		if err := s.db.RecordReplayFailure(ctx, id, msg); err != nil {
			log.Error().Err(err).Msg("failed to record replay failure")
		}
		log.Warn().Err(result.Err).Int("attempts", result.Attempts).Msg("replay failed")
		status := models.SyncStatusPending
		if errors.Is(result.Err, domain.ErrRowNotFound) {
			status = models.SyncStatusFailed
		}
		return models.SyncResult{SyncStatus: status, Error: msg, Attempts: result.Attempts}, nil
	}

	at := time.Now().UTC()
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if appendRow {
			if _, err := tx.DeleteFailedChanges(ctx, rec.EntityType, rec.EntityKey); err != nil {
				return err
			}
		} else if err := tx.DeleteFailedChange(ctx, id); err != nil {
			return err
		}
		if err := tx.UpsertSnapshots(ctx, rec.EntityType, rec.EntityKey, changed, at); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, auditEntry(entity, models.AuditReplay, userID, userEmail,
			map[string]interface{}{"failed_change_id": id, "field": rec.FieldName, "value": value, "full_row": appendRow}))
	})
	if err != nil {
		return models.SyncResult{}, err
	}

	remaining, err := s.db.ListFailedChanges(ctx, rec.EntityType, rec.EntityKey, 1)
	if err == nil && len(remaining) == 0 && entity.SyncStatus == models.SyncStatusPending {
		if err := s.db.MarkSynced(ctx, entity.Type, entity.ID, at); err != nil {
			log.Error().Err(err).Msg("failed to mark entity synced after replay")
		}
	}

	log.Info().Int("attempts", result.Attempts).Msg("failed change replayed")
	s.publish(events.EventFailedChangeReplay, entity, models.SyncStatusSynced, []string{rec.FieldName}, userEmail)
	return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced, Attempts: result.Attempts}, nil
}

func (s *SyncService) Stats(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	var err error
	if stats.Queue, err = s.db.QueueStats(ctx); err != nil {
		return stats, err
	}
	if stats.FailedChanges, err = s.db.CountFailedChanges(ctx); err != nil {
		return stats, err
	}
	if stats.OpenConflicts, err = s.db.CountOpenConflicts(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SyncService) GetEntity(ctx context.Context, t models.EntityType, id int64) (*models.Entity, error) {
	return s.db.GetEntity(ctx, t, id)
}

func (s *SyncService) ListEntities(ctx context.Context, t models.EntityType, limit, offset int) ([]*models.Entity, error) {
	return s.db.ListEntities(ctx, t, clampLimit(limit), offset)
}

func (s *SyncService) ListFailedChanges(ctx context.Context, t models.EntityType, entityKey string, limit int) ([]*models.FailedChangeRecord, error) {
	return s.db.ListFailedChanges(ctx, t, entityKey, clampLimit(limit))
}

func (s *SyncService) ListConflicts(ctx context.Context, open bool, limit int) ([]*models.ConflictRecord, error) {
	return s.db.ListConflicts(ctx, open, clampLimit(limit))
}

func (s *SyncService) publish(eventType string, entity *models.Entity, status string, fields []string, changedBy string) {
	if s.eventBus == nil {
		return
	}
	_ = s.eventBus.PublishJSON(eventType, events.SyncEventPayload{
		EntityType: string(entity.Type),
		EntityID:   entity.ID,
		EntityKey:  entity.Key,
		Status:     status,
		Fields:     fields,
		ChangedBy:  changedBy,
		OccurredAt: time.Now().UTC(),
	})
}

func newTask(taskType string, entity *models.Entity, payload models.TaskPayload) (*models.SyncTask, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return &models.SyncTask{
		TaskType:   taskType,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Payload:    string(raw),
	}, nil
}

func auditEntry(entity *models.Entity, action, userID, userEmail string, detail interface{}) *models.AuditEntry {
	raw, _ := json.Marshal(detail)
	return &models.AuditEntry{
		EntityType: entity.Type,
		EntityKey:  entity.Key,
		Action:     action,
		UserID:     userID,
		UserEmail:  userEmail,
		Detail:     string(raw),
		CreatedAt:  time.Now().UTC(),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > models.DefaultPaginationSize {
		return models.DefaultPaginationSize
	}
	return limit
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
