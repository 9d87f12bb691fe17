package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the typed
// accessor interface and owns the shared provider lifecycle.
type Registry struct {
	provider   *pfirestore.Provider
	catalog    *CatalogRepository
	categories *CategoryRepository
	attributes *AttributeRepository
	runState   *RunStateRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository on a shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	categories, err := NewCategoryRepository(provider)
	if err != nil {
		return nil, err
	}
	attributes, err := NewAttributeRepository(provider)
	if err != nil {
		return nil, err
	}
	runState, err := NewRunStateRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:   provider,
		catalog:    catalog,
		categories: categories,
		attributes: attributes,
		runState:   runState,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Catalog returns the catalog entry repository.
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

// Categories returns the category term repository.
func (r *Registry) Categories() repositories.CategoryRepository { return r.categories }

// Attributes returns the variant axis repository.
func (r *Registry) Attributes() repositories.AttributeRepository { return r.attributes }

// RunState returns the run lease and history repository.
func (r *Registry) RunState() repositories.RunStateRepository { return r.runState }
