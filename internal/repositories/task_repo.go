package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

const taskColumns = `id, account_id, project_id, title, description, status, due_date, is_active, created_at, updated_at, deleted_at`

type PostgresTaskRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresTaskRepository(pool *pgxpool.Pool) *PostgresTaskRepository {
	return &PostgresTaskRepository{pool: pool}
}

func decodeTaskPayload(change models.ChangeRecord) (*models.TaskPayload, error) {
	decoded, err := models.DecodePayload(models.EntityTasks, change.Payload)
	if err != nil {
		return nil, err
	}
	return decoded.(*models.TaskPayload), nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.ID,
		&task.AccountID,
		&task.ProjectID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.DueDate,
		&task.IsActive,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func taskRecord(task *models.Task) (*EntityRecord, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return &EntityRecord{
		ID:        task.ID,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
		Data:      data,
	}, nil
}

func (r *PostgresTaskRepository) FindByID(ctx context.Context, accountID, id uuid.UUID) (*EntityRecord, error) {
	query := `SELECT ` + taskColumns + `
	          FROM tasks
	          WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`

	task, err := scanTask(r.pool.QueryRow(ctx, query, id, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return taskRecord(task)
}

func (r *PostgresTaskRepository) Create(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error) {
	payload, err := decodeTaskPayload(change)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO tasks (id, account_id, project_id, title, description, status, due_date, is_active)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	          RETURNING ` + taskColumns

	task, err := scanTask(r.pool.QueryRow(ctx, query,
		change.EntityID,
		accountID,
		payload.ProjectID,
		payload.Title,
		payload.Description,
		payload.Status,
		payload.DueDate,
	))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return taskRecord(task)
}

// ApplyUpdate writes the change only while the stored updated_at is still at
// or before the change's basis timestamp. The predicate sits in the WHERE
// clause so check and write are one atomic statement.
func (r *PostgresTaskRepository) ApplyUpdate(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error) {
	payload, err := decodeTaskPayload(change)
	if err != nil {
		return nil, err
	}

	query := `UPDATE tasks
	          SET project_id = $1,
	              title = $2,
	              description = $3,
	              status = $4,
	              due_date = $5,
	              updated_at = NOW()
	          WHERE id = $6 AND account_id = $7 AND deleted_at IS NULL AND updated_at <= $8
	          RETURNING ` + taskColumns

	task, err := scanTask(r.pool.QueryRow(ctx, query,
		payload.ProjectID,
		payload.Title,
		payload.Description,
		payload.Status,
		payload.DueDate,
		change.EntityID,
		accountID,
		change.ClientTimestamp,
	))

	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or the watermark moved past us.
		if _, ferr := r.FindByID(ctx, accountID, change.EntityID); errors.Is(ferr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return taskRecord(task)
}

func (r *PostgresTaskRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE tasks
	          SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
	          WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`

	// Zero rows affected means the record is already gone; delete is
	// idempotent and never conflicts.
	if _, err := r.pool.Exec(ctx, query, id, accountID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (r *PostgresTaskRepository) CreatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error) {
	query := `SELECT ` + taskColumns + `
	          FROM tasks
	          WHERE account_id = $1 AND created_at > $2 AND deleted_at IS NULL
	          ORDER BY created_at ASC
	          LIMIT $3`
	return r.queryRecords(ctx, query, accountID, since, limit)
}

func (r *PostgresTaskRepository) UpdatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error) {
	query := `SELECT ` + taskColumns + `
	          FROM tasks
	          WHERE account_id = $1 AND updated_at > $2 AND created_at <= $2 AND deleted_at IS NULL
	          ORDER BY updated_at ASC
	          LIMIT $3`
	return r.queryRecords(ctx, query, accountID, since, limit)
}

func (r *PostgresTaskRepository) DeletedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]Tombstone, error) {
	query := `SELECT id, deleted_at
	          FROM tasks
	          WHERE account_id = $1 AND deleted_at > $2
	          ORDER BY deleted_at ASC
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted tasks: %w", err)
	}
	defer rows.Close()

	var tombstones []Tombstone
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.ID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return tombstones, nil
}

func (r *PostgresTaskRepository) queryRecords(ctx context.Context, query string, args ...any) ([]EntityRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		record, err := taskRecord(task)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return records, nil
}
