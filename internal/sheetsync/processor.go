package sheetsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"realtysync/internal/domain"
	"realtysync/internal/events"
	"realtysync/internal/metrics"
	"realtysync/internal/models"
	"realtysync/internal/worker"

	"github.com/rs/zerolog"
)

// Processor runs one outbox task against the sheet: conflict check, write
// with retry, then bookkeeping on the entity row.
type Processor struct {
	store     domain.SyncStore
	writers   map[models.EntityType]domain.RowWriter
	resolvers map[models.EntityType]*ConflictResolver
	retry     *worker.RetryHandler
	initials  domain.InitialsResolver
	events    domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time
}

var _ domain.TaskProcessor = (*Processor)(nil)

func NewProcessor(store domain.SyncStore, retry *worker.RetryHandler, initials domain.InitialsResolver, publisher domain.EventPublisher, logger *zerolog.Logger, writers ...domain.RowWriter) *Processor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	p := &Processor{
		store:     store,
		writers:   make(map[models.EntityType]domain.RowWriter, len(writers)),
		resolvers: make(map[models.EntityType]*ConflictResolver, len(writers)),
		retry:     retry,
		initials:  initials,
		events:    publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, w := range writers {
		p.writers[w.EntityType()] = w
		p.resolvers[w.EntityType()] = NewConflictResolver(w, logger)
	}
	return p
}

// Writer returns the registered writer for t.
func (p *Processor) Writer(t models.EntityType) (domain.RowWriter, bool) {
	w, ok := p.writers[t]
	return w, ok
}

// Process never returns an error: every outcome is encoded in the result.
func (p *Processor) Process(ctx context.Context, task *models.SyncTask) models.SyncResult {
	log := p.logger.With().
		Int64("task_id", task.ID).
		Str("task_type", task.TaskType).
		Str("entity_type", string(task.EntityType)).
		Int64("entity_id", task.EntityID).
		Logger()

	var payload models.TaskPayload
	if task.Payload != "" {
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			log.Error().Err(err).Msg("invalid task payload")
			return failed(fmt.Sprintf("invalid payload: %v", err), 0)
		}
	}

	entity, err := p.store.GetEntity(ctx, task.EntityType, task.EntityID)
	if err != nil {
		log.Error().Err(err).Msg("entity lookup failed")
		return failed(fmt.Sprintf("load entity: %v", err), 0)
	}
	log = log.With().Str("entity_key", entity.Key).Logger()

	writer, ok := p.writers[task.EntityType]
	if !ok {
		log.Error().Msg("no writer registered")
		return failed(fmt.Sprintf("no writer for entity type %q", task.EntityType), 0)
	}

	editor := p.editor(ctx, payload.UserEmail, &log)

	taskType := task.TaskType
	if taskType == models.TaskUpdate && entity.LastSyncedAt == nil {
		undelivered, err := p.store.HasUndeliveredCreate(ctx, entity.Type, entity.Key)
		if err != nil {
			log.Warn().Err(err).Msg("failed create lookup failed")
		} else if undelivered {
			// There is no row to update yet. Writing the full current row
			// delivers the create and this update together.
			log.Info().Msg("create never reached the sheet, appending full row")
			taskType = models.TaskCreate
		}
	}

	var fields map[string]string
	var write func(ctx context.Context) error
	switch taskType {
	case models.TaskCreate:
		fields = entity.Fields
		write = func(ctx context.Context) error {
			return writer.AppendRow(ctx, entity.Key, entity.Fields, editor)
		}
	case models.TaskUpdate:
		fields = payload.Changed
		if len(fields) == 0 {
			log.Debug().Msg("update carries no changes")
			p.finishSynced(ctx, task, entity, nil, payload, 0, &log)
			return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced}
		}

		if payload.Force {
			p.auditForced(ctx, entity, payload, &log)
		} else if entity.LastSyncedAt != nil {
			if res, halt := p.checkConflicts(ctx, task, entity, payload, &log); halt {
				return res
			}
		}
		write = func(ctx context.Context) error {
			return writer.UpdateFields(ctx, entity.Key, payload.Changed, editor)
		}
	default:
		return failed(fmt.Sprintf("unknown task type %q", task.TaskType), 0)
	}

	res := p.retry.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		err := write(ctx)
		if errors.Is(err, ErrRowNotFound) {
			return worker.Permanent(err)
		}
		return err
	})

	switch {
	case res.Success:
		if taskType == models.TaskCreate {
			if _, err := p.store.DeleteFailedChanges(ctx, entity.Type, entity.Key); err != nil {
				log.Error().Err(err).Msg("failed to clear failed changes after append")
			}
		}
		p.finishSynced(ctx, task, entity, fields, payload, res.Attempts, &log)
		return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced, Attempts: res.Attempts}

	case errors.Is(res.Err, ErrRowNotFound):
		msg := res.Err.Error()
		p.setStatus(ctx, entity, models.SyncStatusFailed, msg, &log)
		p.publish(events.EventSyncFailed, task, entity, models.SyncStatusFailed, fields, res.Attempts, msg, payload.UserEmail)
		log.Error().Err(res.Err).Msg("sheet row missing")
		return failed(msg, res.Attempts)

	case ctx.Err() != nil:
		// Shutdown. The task is retried from the outbox, so nothing is
		// recorded as failed here.
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: ctx.Err().Error(), Attempts: res.Attempts}

	default:
		msg := res.Err.Error()
		p.deferChanges(ctx, entity, taskType, fields, payload.Previous, res.Attempts, msg, &log)
		p.setStatus(ctx, entity, models.SyncStatusPending, msg, &log)
		p.publish(events.EventSyncDeferred, task, entity, models.SyncStatusPending, fields, res.Attempts, msg, payload.UserEmail)
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: msg, Attempts: res.Attempts}
	}
}

// checkConflicts reports halt=true when the task must stop before writing.
func (p *Processor) checkConflicts(ctx context.Context, task *models.SyncTask, entity *models.Entity, payload models.TaskPayload, log *zerolog.Logger) (models.SyncResult, bool) {
	expected, err := p.expectedValues(ctx, entity, payload)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot lookup failed, using pre-edit values")
	}

	resolver := p.resolvers[task.EntityType]
	var check ConflictCheck
	res := p.retry.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		var err error
		check, err = resolver.CheckConflict(ctx, entity.Key, payload.Changed, expected, entity.LastSyncedAt)
		if errors.Is(err, ErrRowNotFound) {
			return worker.Permanent(err)
		}
		return err
	})

	switch {
	case res.Success:
	case errors.Is(res.Err, ErrRowNotFound):
		msg := res.Err.Error()
		p.setStatus(ctx, entity, models.SyncStatusFailed, msg, log)
		p.publish(events.EventSyncFailed, task, entity, models.SyncStatusFailed, payload.Changed, res.Attempts, msg, payload.UserEmail)
		return failed(msg, res.Attempts), true
	case ctx.Err() != nil:
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: ctx.Err().Error(), Attempts: res.Attempts}, true
	default:
		msg := fmt.Sprintf("conflict check: %v", res.Err)
		p.deferChanges(ctx, entity, models.TaskUpdate, payload.Changed, payload.Previous, res.Attempts, msg, log)
		p.setStatus(ctx, entity, models.SyncStatusPending, msg, log)
		p.publish(events.EventSyncDeferred, task, entity, models.SyncStatusPending, payload.Changed, res.Attempts, msg, payload.UserEmail)
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: msg, Attempts: res.Attempts}, true
	}

	if !check.HasConflict {
		return models.SyncResult{}, false
	}

	rec := &models.ConflictRecord{
		EntityType: entity.Type,
		EntityID:   entity.ID,
		EntityKey:  entity.Key,
		TaskID:     task.ID,
		Conflicts:  check.Conflicts,
		DetectedAt: p.now(),
	}
	if err := p.store.InsertConflict(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to record conflict")
	}
	msg := conflictMessage(check.Conflicts)
	p.setStatus(ctx, entity, models.SyncStatusConflict, msg, log)
	metrics.AddConflicts(string(entity.Type), len(check.Conflicts))

	names := make([]string, 0, len(check.Conflicts))
	for _, c := range check.Conflicts {
		names = append(names, c.FieldName)
	}
	p.publish(events.EventSyncConflict, task, entity, models.SyncStatusConflict, nil, 0, msg, payload.UserEmail, names...)

	return models.SyncResult{
		SyncStatus: models.SyncStatusFailed,
		Error:      msg,
		Conflicts:  check.Conflicts,
	}, true
}

// expectedValues prefers the value last written to the sheet and falls back
// to the pre-edit database value.
func (p *Processor) expectedValues(ctx context.Context, entity *models.Entity, payload models.TaskPayload) (map[string]string, error) {
	expected := make(map[string]string, len(payload.Changed))
	for f := range payload.Changed {
		expected[f] = payload.Previous[f]
	}

	fields := make([]string, 0, len(payload.Changed))
	for f := range payload.Changed {
		fields = append(fields, f)
	}
	snaps, err := p.store.GetSnapshots(ctx, entity.Type, entity.Key, fields)
	if err != nil {
		return expected, err
	}
	for f, s := range snaps {
		expected[f] = s.Value
	}
	return expected, nil
}

func (p *Processor) finishSynced(ctx context.Context, task *models.SyncTask, entity *models.Entity, fields map[string]string, payload models.TaskPayload, attempts int, log *zerolog.Logger) {
	at := p.now()
	if err := p.store.MarkSynced(ctx, entity.Type, entity.ID, at); err != nil {
		log.Error().Err(err).Msg("failed to mark entity synced")
	}
	if len(fields) > 0 {
		if err := p.store.UpsertSnapshots(ctx, entity.Type, entity.Key, fields, at); err != nil {
			log.Error().Err(err).Msg("failed to store field snapshots")
		}
	}
	p.publish(events.EventEntitySynced, task, entity, models.SyncStatusSynced, fields, attempts, "", payload.UserEmail)
}

// deferChanges records one failed change per field. A failed create replaces
// the entity's earlier records, since its fields already hold the full row.
func (p *Processor) deferChanges(ctx context.Context, entity *models.Entity, taskType string, fields, previous map[string]string, attempts int, msg string, log *zerolog.Logger) {
	if taskType == models.TaskCreate {
		if _, err := p.store.DeleteFailedChanges(ctx, entity.Type, entity.Key); err != nil {
			log.Error().Err(err).Msg("failed to clear earlier failed changes")
		}
	}
	for _, f := range sortedKeys(fields) {
		newValue := fields[f]
		rec := &models.FailedChangeRecord{
			EntityType: entity.Type,
			EntityKey:  entity.Key,
			FieldName:  f,
			TaskType:   taskType,
			NewValue:   &newValue,
			RetryCount: attempts,
			LastError:  &msg,
			CreatedAt:  p.now(),
		}
		if old, ok := previous[f]; ok {
			rec.OldValue = &old
		}
		p.retry.QueueFailedChange(ctx, rec)
	}
}

func (p *Processor) setStatus(ctx context.Context, entity *models.Entity, status, msg string, log *zerolog.Logger) {
	if err := p.store.SetSyncStatus(ctx, entity.Type, entity.ID, status, msg); err != nil {
		log.Error().Err(err).Str("sync_status", status).Msg("failed to update sync status")
	}
}

func (p *Processor) auditForced(ctx context.Context, entity *models.Entity, payload models.TaskPayload, log *zerolog.Logger) {
	detail, _ := json.Marshal(payload.Changed)
	entry := &models.AuditEntry{
		EntityType: entity.Type,
		EntityKey:  entity.Key,
		Action:     models.AuditForcedSync,
		UserID:     payload.UserID,
		UserEmail:  payload.UserEmail,
		Detail:     string(detail),
		CreatedAt:  p.now(),
	}
	if err := p.store.InsertAudit(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to audit forced sync")
	}
	log.Warn().
		Str("user_email", payload.UserEmail).
		Strs("fields", sortedKeys(payload.Changed)).
		Msg("forced sync skips conflict check")
	if p.events != nil {
		_ = p.events.PublishJSON(events.EventForcedOverwrite, events.SyncEventPayload{
			EntityType: string(entity.Type),
			EntityID:   entity.ID,
			EntityKey:  entity.Key,
			Status:     models.SyncStatusPending,
			Fields:     sortedKeys(payload.Changed),
			ChangedBy:  payload.UserEmail,
			OccurredAt: p.now(),
		})
	}
}

func (p *Processor) editor(ctx context.Context, email string, log *zerolog.Logger) string {
	if p.initials == nil || email == "" {
		return ""
	}
	initials, err := p.initials.Initials(ctx, email)
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("initials lookup failed")
		return ""
	}
	return initials
}

func (p *Processor) publish(eventType string, task *models.SyncTask, entity *models.Entity, status string, fields map[string]string, attempts int, msg, changedBy string, extra ...string) {
	if p.events == nil {
		return
	}
	names := sortedKeys(fields)
	names = append(names, extra...)
	err := p.events.PublishJSON(eventType, events.SyncEventPayload{
		EntityType: string(entity.Type),
		EntityID:   entity.ID,
		EntityKey:  entity.Key,
		TaskID:     task.ID,
		TaskType:   task.TaskType,
		Status:     status,
		Fields:     names,
		Attempts:   attempts,
		Error:      msg,
		ChangedBy:  changedBy,
		OccurredAt: p.now(),
	})
	if err != nil {
		p.logger.Debug().Err(err).Str("event", eventType).Msg("event handler failed")
	}
}

func failed(msg string, attempts int) models.SyncResult {
	return models.SyncResult{SyncStatus: models.SyncStatusFailed, Error: msg, Attempts: attempts}
}

func conflictMessage(conflicts []models.ConflictInfo) string {
	names := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		names = append(names, c.FieldName)
	}
	return "sheet changed since last sync: " + strings.Join(names, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
