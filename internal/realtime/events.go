package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// Frame is the single wire envelope for every message on the channel, in
// both directions. Type tags the variant; ID correlates a request with its
// ack; Success/Error/Data carry the ack result or the event payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	// Client -> server.
	frameHello          = "hello"
	frameSyncRequest    = "sync:request"
	frameSyncPush       = "sync:push"
	frameSubscribe      = "subscribe:entity"
	frameUnsubscribe    = "unsubscribe:entity"
	framePresenceUpdate = "presence:update"

	// Server -> client.
	frameAck           = "ack"
	frameSyncUpdate    = "sync:update"
	frameNotification  = "notification:push"
	frameEntityChange  = "entity:change"
	frameProjectUpdate = "project:update"
)

type helloPayload struct {
	Token    string    `json:"token"`
	DeviceID uuid.UUID `json:"deviceId"`
}

type syncRequestPayload struct {
	EntityType string     `json:"entityType"`
	LastSync   *time.Time `json:"lastSync,omitempty"`
	DeviceID   uuid.UUID  `json:"deviceId"`
}

type syncPushPayload struct {
	Changes  []models.ChangeRecord `json:"changes"`
	DeviceID uuid.UUID             `json:"deviceId"`
}

type subscribePayload struct {
	EntityType string    `json:"entityType"`
	EntityID   uuid.UUID `json:"entityId"`
}

type presencePayload struct {
	Status   models.PresenceStatus `json:"status"`
	Location string                `json:"location,omitempty"`
}

type syncUpdatePayload struct {
	Changes   []models.ChangeRecord `json:"changes"`
	DeviceID  uuid.UUID             `json:"deviceId"`
	Timestamp time.Time             `json:"timestamp"`
}

type entityChangePayload struct {
	EntityType string           `json:"entityType"`
	EntityID   uuid.UUID        `json:"entityId"`
	Operation  models.Operation `json:"operation"`
	DeviceID   uuid.UUID        `json:"deviceId"`
}

// EventKind is the closed set of normalized inbound events a Channel
// delivers to its subscribers.
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventError          EventKind = "error"
	EventSyncUpdate     EventKind = "sync:update"
	EventNotification   EventKind = "notification:push"
	EventEntityChange   EventKind = "entity:change"
	EventProjectUpdate  EventKind = "project:update"
	EventPresenceUpdate EventKind = "presence:update"
)

// Event is one normalized inbound message. EntityType is set for entity
// change events; Err is set for error and disconnect events.
type Event struct {
	Kind       EventKind
	EntityType string
	Data       json.RawMessage
	Err        error
}

type EventHandler func(Event)

// normalizeEvent folds a server-pushed frame into the closed event taxonomy.
// Entity-specific change frames ("tasks:change", "projects:change", ...)
// collapse into one generic entity change event tagged with the entity type.
func normalizeEvent(f Frame) (Event, bool) {
	switch f.Type {
	case frameSyncUpdate:
		return Event{Kind: EventSyncUpdate, Data: f.Data}, true
	case frameNotification:
		return Event{Kind: EventNotification, Data: f.Data}, true
	case framePresenceUpdate:
		return Event{Kind: EventPresenceUpdate, Data: f.Data}, true
	case frameProjectUpdate:
		return Event{Kind: EventProjectUpdate, Data: f.Data}, true
	case frameEntityChange:
		var payload entityChangePayload
		_ = json.Unmarshal(f.Data, &payload)
		return Event{Kind: EventEntityChange, EntityType: payload.EntityType, Data: f.Data}, true
	}
	if entity, ok := strings.CutSuffix(f.Type, ":change"); ok {
		return Event{Kind: EventEntityChange, EntityType: entity, Data: f.Data}, true
	}
	return Event{}, false
}

func marshalData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func boolPtr(b bool) *bool { return &b }
