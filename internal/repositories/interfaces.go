package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

// EntityRecord is the store-agnostic view of one synced record: the
// timestamps the sync engine classifies and gates on, plus the full row
// marshaled for the wire (pull buckets, conflict serverVersion).
type EntityRecord struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
	Data      json.RawMessage
}

// Tombstone marks a soft-deleted record for the pull deleted bucket.
type Tombstone struct {
	ID        uuid.UUID
	DeletedAt time.Time
}

// EntityStore is the uniform capability every synced entity type exposes.
// All reads and writes are scoped to one account. ApplyUpdate must evaluate
// the watermark predicate and the write as a single atomic statement so two
// concurrent pushes to the same record cannot both pass the gate.
type EntityStore interface {
	FindByID(ctx context.Context, accountID, id uuid.UUID) (*EntityRecord, error)
	// Create inserts the change payload under the change's entity id.
	// A duplicate id is reported as ErrDuplicate, not a hard failure.
	Create(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error)
	// ApplyUpdate applies the change iff the stored updated_at is still at or
	// before the change's clientTimestamp; otherwise ErrVersionConflict.
	ApplyUpdate(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error)
	// SoftDelete tombstones the record unconditionally. Deleting a missing or
	// already-deleted record is a no-op.
	SoftDelete(ctx context.Context, accountID, id uuid.UUID) error
	CreatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error)
	UpdatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error)
	DeletedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]Tombstone, error)
}

// SyncQueueRepository is the durable journal of attempted changes.
// Append-only: status transitions happen exactly once, rows are never
// deleted.
type SyncQueueRepository interface {
	Append(ctx context.Context, entry *models.SyncQueueEntry) error
	MarkCompleted(ctx context.Context, id uuid.UUID, syncedAt time.Time) error
	MarkConflict(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncQueueEntry, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.SyncQueueEntry, error)
}

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetDevicesByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, deviceID uuid.UUID) (*models.Presence, error)
	DeletePresence(ctx context.Context, deviceID uuid.UUID) error
	GetBulkPresence(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error)
}
