package models

import "time"

// ConflictInfo describes one field whose sheet value diverged from the
// value recorded at the last sync.
type ConflictInfo struct {
	FieldName              string `json:"field_name"`
	ExpectedValue          string `json:"expected_value"`
	ActualSpreadsheetValue string `json:"actual_spreadsheet_value"`
	LocalNewValue          string `json:"local_new_value"`
}

// SyncResult is the uniform outcome of one sync task.
type SyncResult struct {
	Success    bool           `json:"success"`
	SyncStatus string         `json:"sync_status"`
	Error      string         `json:"error,omitempty"`
	Conflicts  []ConflictInfo `json:"conflicts,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
}

// FailedChangeRecord is a row of sync_failed_changes. TaskType create means
// the entity's row was never appended to the sheet.
type FailedChangeRecord struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityKey  string     `json:"entity_key"`
	FieldName  string     `json:"field_name"`
	TaskType   string     `json:"task_type"`
	OldValue   *string    `json:"old_value"`
	NewValue   *string    `json:"new_value"`
	RetryCount int        `json:"retry_count"`
	LastError  *string    `json:"last_error"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ConflictRecord is a persisted conflict awaiting an operator decision.
type ConflictRecord struct {
	ID         int64          `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	EntityKey  string         `json:"entity_key"`
	TaskID     int64          `json:"task_id"`
	Conflicts  []ConflictInfo `json:"conflicts"`
	DetectedAt time.Time      `json:"detected_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Resolution *string        `json:"resolution,omitempty"`
	ResolvedBy *string        `json:"resolved_by,omitempty"`
}

// AuditEntry records operator overrides of the sync protocol.
type AuditEntry struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityKey  string     `json:"entity_key"`
	Action     string     `json:"action"`
	UserID     string     `json:"user_id"`
	UserEmail  string     `json:"user_email"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FieldSnapshot is the last value written to the sheet for one field.
type FieldSnapshot struct {
	EntityType EntityType `json:"entity_type"`
	EntityKey  string     `json:"entity_key"`
	FieldName  string     `json:"field_name"`
	Value      string     `json:"value"`
	ValueHash  string     `json:"value_hash"`
	SyncedAt   time.Time  `json:"synced_at"`
}

// StaffMember maps an employee email to the initials shown on the sheet.
type StaffMember struct {
	Email    string `json:"email"`
	Initials string `json:"initials"`
}

// SheetRow is one spreadsheet row keyed by header text. Number is the
// absolute 1-based row index; the header row is 1.
type SheetRow struct {
	Number int               `json:"number"`
	Values map[string]string `json:"values"`
}
