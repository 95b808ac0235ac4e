package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// TaskPayload is the client-supplied portion of a task change.
type TaskPayload struct {
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// ProjectPayload is the client-supplied portion of a project change.
type ProjectPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DecodePayload parses a change payload into the concrete type for the given
// entity. Unknown entity types are an explicit error, never a silent skip.
func DecodePayload(entity EntityType, raw json.RawMessage) (any, error) {
	switch entity {
	case EntityTasks:
		var p TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode task payload: %w", err)
		}
		return &p, nil
	case EntityProjects:
		var p ProjectPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode project payload: %w", err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
}
