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

const projectColumns = `id, account_id, name, description, is_active, created_at, updated_at, deleted_at`

type PostgresProjectRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresProjectRepository(pool *pgxpool.Pool) *PostgresProjectRepository {
	return &PostgresProjectRepository{pool: pool}
}

func decodeProjectPayload(change models.ChangeRecord) (*models.ProjectPayload, error) {
	decoded, err := models.DecodePayload(models.EntityProjects, change.Payload)
	if err != nil {
		return nil, err
	}
	return decoded.(*models.ProjectPayload), nil
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var project models.Project
	err := row.Scan(
		&project.ID,
		&project.AccountID,
		&project.Name,
		&project.Description,
		&project.IsActive,
		&project.CreatedAt,
		&project.UpdatedAt,
		&project.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func projectRecord(project *models.Project) (*EntityRecord, error) {
	data, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	return &EntityRecord{
		ID:        project.ID,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
		Data:      data,
	}, nil
}

func (r *PostgresProjectRepository) FindByID(ctx context.Context, accountID, id uuid.UUID) (*EntityRecord, error) {
	query := `SELECT ` + projectColumns + `
	          FROM projects
	          WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`

	project, err := scanProject(r.pool.QueryRow(ctx, query, id, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return projectRecord(project)
}

func (r *PostgresProjectRepository) Create(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error) {
	payload, err := decodeProjectPayload(change)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO projects (id, account_id, name, description, is_active)
	          VALUES ($1, $2, $3, $4, TRUE)
	          RETURNING ` + projectColumns

	project, err := scanProject(r.pool.QueryRow(ctx, query,
		change.EntityID,
		accountID,
		payload.Name,
		payload.Description,
	))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return projectRecord(project)
}

func (r *PostgresProjectRepository) ApplyUpdate(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*EntityRecord, error) {
	payload, err := decodeProjectPayload(change)
	if err != nil {
		return nil, err
	}

	query := `UPDATE projects
	          SET name = $1,
	              description = $2,
	              updated_at = NOW()
	          WHERE id = $3 AND account_id = $4 AND deleted_at IS NULL AND updated_at <= $5
	          RETURNING ` + projectColumns

	project, err := scanProject(r.pool.QueryRow(ctx, query,
		payload.Name,
		payload.Description,
		change.EntityID,
		accountID,
		change.ClientTimestamp,
	))

	if errors.Is(err, pgx.ErrNoRows) {
		if _, ferr := r.FindByID(ctx, accountID, change.EntityID); errors.Is(ferr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return projectRecord(project)
}

func (r *PostgresProjectRepository) SoftDelete(ctx context.Context, accountID, id uuid.UUID) error {
	query := `UPDATE projects
	          SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
	          WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, id, accountID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (r *PostgresProjectRepository) CreatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error) {
	query := `SELECT ` + projectColumns + `
	          FROM projects
	          WHERE account_id = $1 AND created_at > $2 AND deleted_at IS NULL
	          ORDER BY created_at ASC
	          LIMIT $3`
	return r.queryRecords(ctx, query, accountID, since, limit)
}

func (r *PostgresProjectRepository) UpdatedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]EntityRecord, error) {
	query := `SELECT ` + projectColumns + `
	          FROM projects
	          WHERE account_id = $1 AND updated_at > $2 AND created_at <= $2 AND deleted_at IS NULL
	          ORDER BY updated_at ASC
	          LIMIT $3`
	return r.queryRecords(ctx, query, accountID, since, limit)
}

func (r *PostgresProjectRepository) DeletedSince(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]Tombstone, error) {
	query := `SELECT id, deleted_at
	          FROM projects
	          WHERE account_id = $1 AND deleted_at > $2
	          ORDER BY deleted_at ASC
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted projects: %w", err)
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

func (r *PostgresProjectRepository) queryRecords(ctx context.Context, query string, args ...any) ([]EntityRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		record, err := projectRecord(project)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return records, nil
}
