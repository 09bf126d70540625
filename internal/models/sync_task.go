package models

import "time"

// SyncTask is a row of the sync_queue outbox table.
type SyncTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    int64      `json:"entity_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error"`
	TraceID     string     `json:"trace_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// TaskPayload is stored as JSON in SyncTask.Payload.
type TaskPayload struct {
	// Changed holds the new values of the fields touched by the mutation.
	Changed map[string]string `json:"changed,omitempty"`
	// Previous holds the pre-edit values of the same fields.
	Previous  map[string]string `json:"previous,omitempty"`
	Force     bool              `json:"force,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	UserEmail string            `json:"user_email,omitempty"`
}

// QueueStats summarizes the outbox by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
