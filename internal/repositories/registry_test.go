package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/fieldsync/internal/models"
)

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	taskStore := &PostgresTaskRepository{}
	registry.Register(models.EntityTasks, taskStore)

	store, err := registry.Store(models.EntityTasks)
	require.NoError(t, err)
	assert.Same(t, taskStore, store)

	_, err = registry.Store("widgets")
	assert.ErrorIs(t, err, models.ErrUnknownEntity)
}

func TestRegistryTypesFollowKnownOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Register(models.EntityProjects, &PostgresProjectRepository{})
	registry.Register(models.EntityTasks, &PostgresTaskRepository{})

	assert.Equal(t, []models.EntityType{models.EntityTasks, models.EntityProjects}, registry.Types())
}
