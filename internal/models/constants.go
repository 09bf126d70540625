package models

// Stored entity sync status.
const (
	SyncStatusSynced   = "synced"
	SyncStatusPending  = "pending"
	SyncStatusFailed   = "failed"
	SyncStatusConflict = "conflict"
)

// Outbox task types.
const (
	TaskCreate = "create"
	TaskUpdate = "update"
)

// Outbox task states.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Conflict resolution choices.
const (
	ResolutionKeepLocal = "keep_local"
	ResolutionKeepSheet = "keep_sheet"
)

// Audit actions.
const (
	AuditForcedSync       = "forced_sync"
	AuditConflictResolved = "conflict_resolved"
	AuditReplay           = "failed_change_replayed"
)

const (
	// DefaultInitialsTTL is the lifetime of cached staff initials in seconds.
	DefaultInitialsTTL = 60 * 60

	// DefaultBatchSize is how many outbox rows a dispatcher claims per poll.
	DefaultBatchSize = 20

	// DefaultPaginationSize caps list endpoints.
	DefaultPaginationSize = 100
)
