package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

type PostgresSyncQueueRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncQueueRepository(pool *pgxpool.Pool) *PostgresSyncQueueRepository {
	return &PostgresSyncQueueRepository{pool: pool}
}

func (r *PostgresSyncQueueRepository) Append(ctx context.Context, entry *models.SyncQueueEntry) error {
	query := `INSERT INTO sync_queue (account_id, entity_type, entity_id, operation, payload, client_timestamp, device_id, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING id, created_at`

	entry.Status = models.SyncPending
	err := r.pool.QueryRow(ctx, query,
		entry.AccountID,
		entry.Change.EntityType,
		entry.Change.EntityID,
		entry.Change.Operation,
		entry.Change.Payload,
		entry.Change.ClientTimestamp,
		entry.Change.DeviceID,
		entry.Status,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append sync queue entry: %w", err)
	}
	return nil
}

// MarkCompleted transitions one PENDING entry to COMPLETED. The status guard
// in the WHERE clause keeps the transition single-shot.
func (r *PostgresSyncQueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	return r.finalize(ctx, id, models.SyncCompleted, &syncedAt)
}

// MarkConflict transitions one PENDING entry to CONFLICT.
func (r *PostgresSyncQueueRepository) MarkConflict(ctx context.Context, id uuid.UUID) error {
	return r.finalize(ctx, id, models.SyncConflict, nil)
}

func (r *PostgresSyncQueueRepository) finalize(ctx context.Context, id uuid.UUID, status models.SyncStatus, syncedAt *time.Time) error {
	query := `UPDATE sync_queue
	          SET status = $1, synced_at = $2
	          WHERE id = $3 AND status = $4`

	result, err := r.pool.Exec(ctx, query, status, syncedAt, id, models.SyncPending)
	if err != nil {
		return fmt.Errorf("failed to finalize sync queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSyncQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncQueueEntry, error) {
	query := `SELECT id, account_id, entity_type, entity_id, operation, payload, client_timestamp, device_id, status, synced_at, created_at
	          FROM sync_queue
	          WHERE id = $1`

	entry, err := scanQueueEntry(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync queue entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresSyncQueueRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.SyncQueueEntry, error) {
	query := `SELECT id, account_id, entity_type, entity_id, operation, payload, client_timestamp, device_id, status, synced_at, created_at
	          FROM sync_queue
	          WHERE account_id = $1
	          ORDER BY created_at DESC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return entries, nil
}

func scanQueueEntry(row pgx.Row) (*models.SyncQueueEntry, error) {
	var entry models.SyncQueueEntry
	err := row.Scan(
		&entry.ID,
		&entry.AccountID,
		&entry.Change.EntityType,
		&entry.Change.EntityID,
		&entry.Change.Operation,
		&entry.Change.Payload,
		&entry.Change.ClientTimestamp,
		&entry.Change.DeviceID,
		&entry.Status,
		&entry.SyncedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
