package repositories

import (
	"fmt"

	"github.com/prudhvinik1/fieldsync/internal/models"
)

// Registry is the static dispatch table mapping an entity type to its store.
// Lookups against unregistered types fail with models.ErrUnknownEntity; there
// is no dynamic fallback.
type Registry struct {
	stores map[models.EntityType]EntityStore
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[models.EntityType]EntityStore)}
}

func (r *Registry) Register(entity models.EntityType, store EntityStore) {
	r.stores[entity] = store
}

func (r *Registry) Store(entity models.EntityType) (EntityStore, error) {
	store, ok := r.stores[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEntity, entity)
	}
	return store, nil
}

// Types returns the registered entity types in registration-independent,
// stable order.
func (r *Registry) Types() []models.EntityType {
	var types []models.EntityType
	for _, et := range models.KnownEntityTypes {
		if _, ok := r.stores[et]; ok {
			types = append(types, et)
		}
	}
	return types
}
