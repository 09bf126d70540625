package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventEntitySynced, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventEntitySynced, SyncEventPayload{EntityType: "buyer", EntityKey: "42", Status: "synced"})
	require.NoError(t, err)

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventEntitySynced, received.Type)
	assert.NotEmpty(t, received.ID)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded SyncEventPayload
	require.NoError(t, json.Unmarshal(received.Payload, &decoded))
	assert.Equal(t, "42", decoded.EntityKey)
}

func TestEventBusWildcardAndErrors(t *testing.T) {
	bus := NewEventBus()
	var typed, all int

	bus.Subscribe(EventSyncConflict, func(_ *Event) error { typed++; return errors.New("boom") })
	bus.SubscribeAll(func(_ *Event) error { all++; return nil })

	err := bus.PublishJSON(EventSyncConflict, map[string]string{"k": "v"})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, typed)
	assert.Equal(t, 1, all)

	require.NoError(t, bus.PublishJSON(EventSyncFailed, nil))
	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventSyncFailed, nil))
}
