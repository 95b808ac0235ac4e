package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownEntity is returned when a request names an entity type the sync
// engine does not track.
var ErrUnknownEntity = errors.New("unknown entity type")

type EntityType string

const (
	EntityTasks    EntityType = "tasks"
	EntityProjects EntityType = "projects"
)

// KnownEntityTypes lists every entity type the sync engine tracks.
var KnownEntityTypes = []EntityType{EntityTasks, EntityProjects}

func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityTasks:
		return EntityTasks, nil
	case EntityProjects:
		return EntityProjects, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
}

type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeRecord is a single client-originated mutation intent. On push the
// server stamps DeviceID from the authenticated identity, ignoring the wire
// value.
type ChangeRecord struct {
	EntityType      EntityType      `json:"entityType"`
	EntityID        uuid.UUID       `json:"entityId"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	DeviceID        uuid.UUID       `json:"deviceId"`
}

type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncConflict  SyncStatus = "CONFLICT"
)

// SyncQueueEntry journals one attempted change and its outcome. Entries are
// append-only: the status moves PENDING -> COMPLETED or PENDING -> CONFLICT
// exactly once and rows are never deleted.
type SyncQueueEntry struct {
	ID        uuid.UUID    `json:"id"`
	AccountID uuid.UUID    `json:"account_id"`
	Change    ChangeRecord `json:"change"`
	Status    SyncStatus   `json:"status"`
	SyncedAt  *time.Time   `json:"synced_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ConflictRecord pairs a rejected change with the authoritative server record
// so the submitting device can re-fetch, reconcile and resubmit.
type ConflictRecord struct {
	ChangeRecord
	ServerVersion json.RawMessage `json:"serverVersion,omitempty"`
}

// ChangeError reports a per-item failure that is not a conflict, e.g. an
// unknown entity type or a missing update target.
type ChangeError struct {
	EntityType string    `json:"entityType"`
	EntityID   uuid.UUID `json:"entityId,omitempty"`
	Error      string    `json:"error"`
}

type PullRequest struct {
	Entities   []EntityType `json:"entities"`
	LastSyncAt *time.Time   `json:"lastSyncAt,omitempty"`
}

// ChangeSet buckets pulled records by entity type. Created and Updated carry
// full records; Deleted carries bare ids of tombstoned records.
type ChangeSet struct {
	Created map[EntityType][]json.RawMessage `json:"created"`
	Updated map[EntityType][]json.RawMessage `json:"updated"`
	Deleted map[EntityType][]uuid.UUID       `json:"deleted"`
}

func NewChangeSet() ChangeSet {
	return ChangeSet{
		Created: make(map[EntityType][]json.RawMessage),
		Updated: make(map[EntityType][]json.RawMessage),
		Deleted: make(map[EntityType][]uuid.UUID),
	}
}

// PullResponse is the pull result. When HasMore is set, Timestamp is the
// resume watermark: pulling again with lastSyncAt=Timestamp continues where
// the truncated page left off.
type PullResponse struct {
	Timestamp time.Time     `json:"timestamp"`
	Changes   ChangeSet     `json:"changes"`
	HasMore   bool          `json:"hasMore"`
	Errors    []ChangeError `json:"errors,omitempty"`
}

type PushResponse struct {
	Success   bool             `json:"success"`
	Conflicts []ConflictRecord `json:"conflicts"`
	Errors    []ChangeError    `json:"errors,omitempty"`
}
