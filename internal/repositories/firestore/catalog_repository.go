package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meridian-commerce/pimsync/internal/domain"
	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
)

const catalogEntriesCollection = "catalogEntries"

type entryFeatureDocument struct {
	Code  string `firestore:"code"`
	Label string `firestore:"label"`
	Value string `firestore:"value"`
}

// catalogEntryDocument flattens the back-references to top-level fields so
// the staleness sweep can filter on them without composite nested indexes.
type catalogEntryDocument struct {
	Kind             string                 `firestore:"kind"`
	SKU              string                 `firestore:"sku"`
	Name             string                 `firestore:"name"`
	ShortDescription string                 `firestore:"shortDescription,omitempty"`
	LongDescription  string                 `firestore:"longDescription,omitempty"`
	Brand            string                 `firestore:"brand,omitempty"`
	Price            string                 `firestore:"price,omitempty"`
	SalePrice        string                 `firestore:"salePrice,omitempty"`
	StockQuantity    *float64               `firestore:"stockQuantity,omitempty"`
	Features         []entryFeatureDocument `firestore:"features,omitempty"`
	CategoryTermIDs  []string               `firestore:"categoryTermIds,omitempty"`
	PrimaryImage     string                 `firestore:"primaryImage,omitempty"`
	MediaRefs        []string               `firestore:"mediaRefs,omitempty"`
	ParentID         string                 `firestore:"parentId,omitempty"`
	AxisSelections   map[string]string      `firestore:"axisSelections,omitempty"`
	Position         int                    `firestore:"position,omitempty"`
	RemoteID         int64                  `firestore:"remoteId,omitempty"`
	ExternalID       string                 `firestore:"externalId,omitempty"`
	FamilyRemoteID   int64                  `firestore:"familyRemoteId,omitempty"`
	HasBackRef       bool                   `firestore:"hasBackRef"`
	LastSyncedAt     time.Time              `firestore:"lastSyncedAt,omitempty"`
	Retired          bool                   `firestore:"retired"`
	RetiredAt        *time.Time             `firestore:"retiredAt,omitempty"`
	CreatedAt        time.Time              `firestore:"createdAt"`
	UpdatedAt        time.Time              `firestore:"updatedAt"`
}

func encodeCatalogEntryDocument(entry domain.CatalogEntry) catalogEntryDocument {
	features := make([]entryFeatureDocument, 0, len(entry.Features))
	for _, feature := range entry.Features {
		features = append(features, entryFeatureDocument{
			Code:  feature.Code,
			Label: feature.Label,
			Value: feature.Value,
		})
	}
	return catalogEntryDocument{
		Kind:             string(entry.Kind),
		SKU:              entry.SKU,
		Name:             entry.Name,
		ShortDescription: entry.ShortDescription,
		LongDescription:  entry.LongDescription,
		Brand:            entry.Brand,
		Price:            entry.Price,
		SalePrice:        entry.SalePrice,
		StockQuantity:    entry.StockQuantity,
		Features:         features,
		CategoryTermIDs:  entry.CategoryTermIDs,
		PrimaryImage:     entry.PrimaryImage,
		MediaRefs:        entry.MediaRefs,
		ParentID:         entry.ParentID,
		AxisSelections:   entry.AxisSelections,
		Position:         entry.Position,
		RemoteID:         entry.BackRefs.RemoteID,
		ExternalID:       entry.BackRefs.ExternalID,
		FamilyRemoteID:   entry.BackRefs.FamilyRemoteID,
		HasBackRef:       entry.BackRefs.RemoteID != 0 || entry.BackRefs.FamilyRemoteID != 0,
		LastSyncedAt:     entry.BackRefs.LastSyncedAt,
		Retired:          entry.Retired,
		RetiredAt:        entry.RetiredAt,
		CreatedAt:        entry.CreatedAt,
		UpdatedAt:        entry.UpdatedAt,
	}
}

func decodeCatalogEntryDocument(id string, doc catalogEntryDocument) domain.CatalogEntry {
	features := make([]domain.EntryFeature, 0, len(doc.Features))
	for _, feature := range doc.Features {
		features = append(features, domain.EntryFeature{
			Code:  feature.Code,
			Label: feature.Label,
			Value: feature.Value,
		})
	}
	return domain.CatalogEntry{
		ID:               id,
		Kind:             domain.EntryKind(doc.Kind),
		SKU:              doc.SKU,
		Name:             doc.Name,
		ShortDescription: doc.ShortDescription,
		LongDescription:  doc.LongDescription,
		Brand:            doc.Brand,
		Price:            doc.Price,
		SalePrice:        doc.SalePrice,
		StockQuantity:    doc.StockQuantity,
		Features:         features,
		CategoryTermIDs:  doc.CategoryTermIDs,
		PrimaryImage:     doc.PrimaryImage,
		MediaRefs:        doc.MediaRefs,
		ParentID:         doc.ParentID,
		AxisSelections:   doc.AxisSelections,
		Position:         doc.Position,
		BackRefs: domain.BackRefs{
			RemoteID:       doc.RemoteID,
			ExternalID:     doc.ExternalID,
			FamilyRemoteID: doc.FamilyRemoteID,
			LastSyncedAt:   doc.LastSyncedAt,
		},
		Retired:   doc.Retired,
		RetiredAt: doc.RetiredAt,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// CatalogRepository persists catalog entries in Firestore.
type CatalogRepository struct {
	base *pfirestore.BaseRepository[domain.CatalogEntry]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.CatalogEntry) (any, error) {
		return encodeCatalogEntryDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.CatalogEntry, error) {
		var doc catalogEntryDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CatalogEntry{}, err
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = snap.UpdateTime
		}
		return decodeCatalogEntryDocument(snap.Ref.ID, doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.CatalogEntry](provider, catalogEntriesCollection, encoder, decoder)
	return &CatalogRepository{base: base}, nil
}

func (r *CatalogRepository) findOne(ctx context.Context, op string, build pfirestore.QueryBuilder) (domain.CatalogEntry, error) {
	if r == nil || r.base == nil {
		return domain.CatalogEntry{}, errors.New("catalog repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return build(q).Limit(1)
	})
	if err != nil {
		return domain.CatalogEntry{}, wrapStoreError(op, err)
	}
	if len(docs) == 0 {
		return domain.CatalogEntry{}, missingError(op)
	}
	return docs[0].Data, nil
}

// FindBySKU looks up the entry carrying the exact SKU.
func (r *CatalogRepository) FindBySKU(ctx context.Context, sku string) (domain.CatalogEntry, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.CatalogEntry{}, missingError("catalog.findBySku")
	}
	return r.findOne(ctx, "catalog.findBySku", func(q firestore.Query) firestore.Query {
		return q.Where("sku", "==", sku)
	})
}

// FindByExternalID looks up the entry by its remote external identifier.
func (r *CatalogRepository) FindByExternalID(ctx context.Context, externalID string) (domain.CatalogEntry, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.CatalogEntry{}, missingError("catalog.findByExternalId")
	}
	return r.findOne(ctx, "catalog.findByExternalId", func(q firestore.Query) firestore.Query {
		return q.Where("externalId", "==", externalID)
	})
}

// FindByRemoteID looks up the entry by its numeric remote identifier.
func (r *CatalogRepository) FindByRemoteID(ctx context.Context, remoteID int64) (domain.CatalogEntry, error) {
	if remoteID == 0 {
		return domain.CatalogEntry{}, missingError("catalog.findByRemoteId")
	}
	return r.findOne(ctx, "catalog.findByRemoteId", func(q firestore.Query) firestore.Query {
		return q.Where("remoteId", "==", remoteID)
	})
}

// FindByFamilyRemoteID looks up the family parent for a remote group.
func (r *CatalogRepository) FindByFamilyRemoteID(ctx context.Context, familyRemoteID int64) (domain.CatalogEntry, error) {
	if familyRemoteID == 0 {
		return domain.CatalogEntry{}, missingError("catalog.findByFamilyRemoteId")
	}
	return r.findOne(ctx, "catalog.findByFamilyRemoteId", func(q firestore.Query) firestore.Query {
		return q.Where("kind", "==", string(domain.EntryFamily)).
			Where("familyRemoteId", "==", familyRemoteID)
	})
}

// Insert creates the entry document. The ID must be set by the caller.
func (r *CatalogRepository) Insert(ctx context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	if r == nil || r.base == nil {
		return domain.CatalogEntry{}, errors.New("catalog repository not initialised")
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		return domain.CatalogEntry{}, errors.New("catalog repository: entry id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, entry.ID)
	if err != nil {
		return domain.CatalogEntry{}, wrapStoreError("catalog.insert", err)
	}
	if _, err := docRef.Create(ctx, encodeCatalogEntryDocument(entry)); err != nil {
		return domain.CatalogEntry{}, wrapStoreError("catalog.insert", pfirestore.WrapError("catalog.insert", err))
	}
	return entry, nil
}

// Update replaces the entry document state.
func (r *CatalogRepository) Update(ctx context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	if r == nil || r.base == nil {
		return domain.CatalogEntry{}, errors.New("catalog repository not initialised")
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		return domain.CatalogEntry{}, errors.New("catalog repository: entry id is required")
	}
	if _, err := r.base.Set(ctx, entry.ID, entry); err != nil {
		return domain.CatalogEntry{}, wrapStoreError("catalog.update", err)
	}
	return entry, nil
}

// ListMembers returns the member entries of a family ordered by position.
func (r *CatalogRepository) ListMembers(ctx context.Context, familyID string) ([]domain.CatalogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("kind", "==", string(domain.EntryMember)).
			Where("parentId", "==", familyID).
			OrderBy("position", firestore.Asc)
	})
	if err != nil {
		return nil, wrapStoreError("catalog.listMembers", err)
	}
	members := make([]domain.CatalogEntry, 0, len(docs))
	for _, doc := range docs {
		members = append(members, doc.Data)
	}
	return members, nil
}

// ListStale returns active back-referenced entries whose last-synced stamp
// predates the cutoff.
func (r *CatalogRepository) ListStale(ctx context.Context, cutoff time.Time) ([]domain.CatalogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("hasBackRef", "==", true).
			Where("retired", "==", false).
			Where("lastSyncedAt", "<", cutoff)
	})
	if err != nil {
		return nil, wrapStoreError("catalog.listStale", err)
	}
	stale := make([]domain.CatalogEntry, 0, len(docs))
	for _, doc := range docs {
		stale = append(stale, doc.Data)
	}
	return stale, nil
}

// Retire soft-deletes the entry, keeping the document for revival.
func (r *CatalogRepository) Retire(ctx context.Context, entryID string, at time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("catalog repository not initialised")
	}
	_, err := r.base.Update(ctx, entryID, []firestore.Update{
		{Path: "retired", Value: true},
		{Path: "retiredAt", Value: at},
		{Path: "updatedAt", Value: at},
	})
	if err != nil {
		return wrapStoreError("catalog.retire", err)
	}
	return nil
}

// CountActiveInCategory reports how many non-retired entries reference the
// category term.
func (r *CatalogRepository) CountActiveInCategory(ctx context.Context, termID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("catalog repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("retired", "==", false).
			Where("categoryTermIds", "array-contains", termID)
	})
	if err != nil {
		return 0, wrapStoreError("catalog.countActiveInCategory", err)
	}
	return len(docs), nil
}
