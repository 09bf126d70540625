package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventEntitySynced       = "entity_synced"
	EventSyncConflict       = "sync_conflict"
	EventSyncDeferred       = "sync_deferred"
	EventSyncFailed         = "sync_failed"
	EventForcedOverwrite    = "sync_forced_overwrite"
	EventConflictResolved   = "sync_conflict_resolved"
	EventFailedChangeReplay = "failed_change_replayed"
)

// SyncEventPayload is the snapshot handed to event consumers.
type SyncEventPayload struct {
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	EntityKey  string    `json:"entity_key"`
	TaskID     int64     `json:"task_id,omitempty"`
	TaskType   string    `json:"task_type,omitempty"`
	Status     string    `json:"status"`
	Fields     []string  `json:"fields,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler that sees every event.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish notifies subscribers of the event type. It returns the first
// handler error; later handlers still run.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var first error
	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
