package domain

import (
	"context"
	"errors"
	"time"

	"realtysync/internal/models"
)

// ErrRowNotFound is returned when no sheet row carries the business key.
var ErrRowNotFound = errors.New("spreadsheet row not found")

// SpreadsheetClient reads and writes one worksheet. Row numbers are 1-based
// and row 1 holds the headers.
type SpreadsheetClient interface {
	Authenticate(ctx context.Context) error
	Headers(ctx context.Context) ([]string, error)
	ReadAll(ctx context.Context) ([]models.SheetRow, error)
	AppendRow(ctx context.Context, values map[string]string) error
	// UpdateRow rewrites every mapped column of the row; headers absent from
	// values are cleared.
	UpdateRow(ctx context.Context, rowNumber int, values map[string]string) error
	// UpdateCells writes only the columns named in values.
	UpdateCells(ctx context.Context, rowNumber int, values map[string]string) error
	FindRow(ctx context.Context, header, value string) (*models.SheetRow, error)
}

// RowWriter is the per-entity-type write surface used by the processor.
// editor, when non-empty, is stamped into the sheet's last-editor column.
type RowWriter interface {
	EntityType() models.EntityType
	UpdateFields(ctx context.Context, entityKey string, changed map[string]string, editor string) error
	AppendRow(ctx context.Context, entityKey string, fields map[string]string, editor string) error
	ReadRow(ctx context.Context, entityKey string) (map[string]string, error)
}

type EntityStore interface {
	GetEntity(ctx context.Context, t models.EntityType, id int64) (*models.Entity, error)
	GetEntityByKey(ctx context.Context, t models.EntityType, key string) (*models.Entity, error)
	ListEntities(ctx context.Context, t models.EntityType, limit, offset int) ([]*models.Entity, error)
}

// SyncStore is the bookkeeping the processor writes after each task.
type SyncStore interface {
	GetEntity(ctx context.Context, t models.EntityType, id int64) (*models.Entity, error)
	GetSnapshots(ctx context.Context, t models.EntityType, key string, fields []string) (map[string]models.FieldSnapshot, error)
	UpsertSnapshots(ctx context.Context, t models.EntityType, key string, values map[string]string, at time.Time) error
	MarkSynced(ctx context.Context, t models.EntityType, id int64, at time.Time) error
	SetSyncStatus(ctx context.Context, t models.EntityType, id int64, status, syncErr string) error
	InsertConflict(ctx context.Context, rec *models.ConflictRecord) error
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
	HasUndeliveredCreate(ctx context.Context, t models.EntityType, key string) (bool, error)
	DeleteFailedChanges(ctx context.Context, t models.EntityType, key string) (int64, error)
}

// FailedChangeStore persists field writes that exhausted their retries.
type FailedChangeStore interface {
	InsertFailedChange(ctx context.Context, rec *models.FailedChangeRecord) error
}

// QueueStore is the durable outbox behind the sync queue.
type QueueStore interface {
	CreateSyncTask(ctx context.Context, task *models.SyncTask) error
	GetSyncTask(ctx context.Context, id int64) (*models.SyncTask, error)
	ClaimSyncTasks(ctx context.Context, limit int) ([]*models.SyncTask, error)
	CompleteSyncTask(ctx context.Context, id int64, errMsg string) error
	FailSyncTask(ctx context.Context, id int64, errMsg string) error
	RecoverStaleTasks(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// TaskProcessor executes one claimed task.
type TaskProcessor interface {
	Process(ctx context.Context, task *models.SyncTask) models.SyncResult
}

// SyncQueue accepts tasks without waiting for the spreadsheet write.
type SyncQueue interface {
	Enqueue(ctx context.Context, task *models.SyncTask) error
	Await(ctx context.Context, taskID int64) (models.SyncResult, error)
}

// InitialsResolver maps a staff email to the initials shown on the sheet.
type InitialsResolver interface {
	Initials(ctx context.Context, email string) (string, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// InitialsStore caches staff initials by lowercased email. A miss returns
// an empty string and no error.
type InitialsStore interface {
	GetInitials(ctx context.Context, email string) (string, error)
	SetInitials(ctx context.Context, staff []models.StaffMember, ttl time.Duration) error
}
