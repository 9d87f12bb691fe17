package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/meridian-commerce/pimsync/internal/domain"
	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
)

const categoryTermsCollection = "categoryTerms"

type categoryTermDocument struct {
	Name     string `firestore:"name"`
	ParentID string `firestore:"parentId,omitempty"`
	RemoteID int64  `firestore:"remoteId,omitempty"`
}

// CategoryRepository persists category terms in Firestore.
type CategoryRepository struct {
	base *pfirestore.BaseRepository[domain.CategoryTerm]
}

// NewCategoryRepository constructs a Firestore-backed category repository.
func NewCategoryRepository(provider *pfirestore.Provider) (*CategoryRepository, error) {
	if provider == nil {
		return nil, errors.New("category repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.CategoryTerm) (any, error) {
		return categoryTermDocument{
			Name:     value.Name,
			ParentID: value.ParentID,
			RemoteID: value.RemoteID,
		}, nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.CategoryTerm, error) {
		var doc categoryTermDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CategoryTerm{}, err
		}
		return domain.CategoryTerm{
			ID:       snap.Ref.ID,
			Name:     doc.Name,
			ParentID: doc.ParentID,
			RemoteID: doc.RemoteID,
		}, nil
	}

	base := pfirestore.NewBaseRepository[domain.CategoryTerm](provider, categoryTermsCollection, encoder, decoder)
	return &CategoryRepository{base: base}, nil
}

func (r *CategoryRepository) findOne(ctx context.Context, op string, build pfirestore.QueryBuilder) (domain.CategoryTerm, error) {
	if r == nil || r.base == nil {
		return domain.CategoryTerm{}, errors.New("category repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return build(q).Limit(1)
	})
	if err != nil {
		return domain.CategoryTerm{}, wrapStoreError(op, err)
	}
	if len(docs) == 0 {
		return domain.CategoryTerm{}, missingError(op)
	}
	return docs[0].Data, nil
}

// FindByRemoteID looks up a term by its remote back-reference.
func (r *CategoryRepository) FindByRemoteID(ctx context.Context, remoteID int64) (domain.CategoryTerm, error) {
	if remoteID == 0 {
		return domain.CategoryTerm{}, missingError("categories.findByRemoteId")
	}
	return r.findOne(ctx, "categories.findByRemoteId", func(q firestore.Query) firestore.Query {
		return q.Where("remoteId", "==", remoteID)
	})
}

// FindByNameAndParent looks up a term by display name at a tree position.
func (r *CategoryRepository) FindByNameAndParent(ctx context.Context, name, parentID string) (domain.CategoryTerm, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.CategoryTerm{}, missingError("categories.findByNameAndParent")
	}
	return r.findOne(ctx, "categories.findByNameAndParent", func(q firestore.Query) firestore.Query {
		return q.Where("name", "==", name).Where("parentId", "==", parentID)
	})
}

// Insert creates a term document. A missing ID is generated by Firestore.
func (r *CategoryRepository) Insert(ctx context.Context, term domain.CategoryTerm) (domain.CategoryTerm, error) {
	if r == nil || r.base == nil {
		return domain.CategoryTerm{}, errors.New("category repository not initialised")
	}

	if strings.TrimSpace(term.ID) == "" {
		term.ID = ulid.Make().String()
	}
	docRef, err := r.base.DocumentRef(ctx, term.ID)
	if err != nil {
		return domain.CategoryTerm{}, wrapStoreError("categories.insert", err)
	}
	payload := categoryTermDocument{
		Name:     term.Name,
		ParentID: term.ParentID,
		RemoteID: term.RemoteID,
	}
	if _, err := docRef.Create(ctx, payload); err != nil {
		return domain.CategoryTerm{}, wrapStoreError("categories.insert", pfirestore.WrapError("categories.insert", err))
	}
	return term, nil
}

// ListWithBackRef returns every term carrying a remote back-reference.
func (r *CategoryRepository) ListWithBackRef(ctx context.Context) ([]domain.CategoryTerm, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("category repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("remoteId", ">", 0)
	})
	if err != nil {
		return nil, wrapStoreError("categories.listWithBackRef", err)
	}
	terms := make([]domain.CategoryTerm, 0, len(docs))
	for _, doc := range docs {
		terms = append(terms, doc.Data)
	}
	return terms, nil
}

// Delete removes the term document.
func (r *CategoryRepository) Delete(ctx context.Context, termID string) error {
	if r == nil || r.base == nil {
		return errors.New("category repository not initialised")
	}
	docRef, err := r.base.DocumentRef(ctx, termID)
	if err != nil {
		return wrapStoreError("categories.delete", err)
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return wrapStoreError("categories.delete", pfirestore.WrapError("categories.delete", err))
	}
	return nil
}
