package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// Outcome classifies what the reconciler did with one remote record.
type Outcome string

const (
	// OutcomeCreated means a new catalog entry was inserted.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means an existing entry was refreshed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeSkipped means the record was left untouched.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports the reconciliation outcome for one remote record.
type Result struct {
	Outcome  Outcome
	EntryID  string
	Features int
}

// ReconcilerDeps bundles the collaborators for a per-run reconciler.
type ReconcilerDeps struct {
	Catalog     repositories.CatalogRepository
	Extractor   *Extractor
	Categories  *CategoryResolver
	Assembler   *Assembler
	Media       repositories.MediaStore
	Memberships *MembershipIndex
	// Brands maps remote brand codes to display names.
	Brands      map[string]string
	Language    string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

// Reconciler upserts remote product records into the local catalog. One
// reconciler serves one run; the membership index must come from a
// completed family-assembly phase.
type Reconciler struct {
	catalog     repositories.CatalogRepository
	extractor   *Extractor
	categories  *CategoryResolver
	assembler   *Assembler
	media       repositories.MediaStore
	memberships *MembershipIndex
	brands      map[string]string
	language    string
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger
	sanitizer   *bluemonday.Policy
}

// NewReconciler constructs a reconciler for one sync run.
func NewReconciler(deps ReconcilerDeps) (*Reconciler, error) {
	if deps.Catalog == nil {
		return nil, errors.New("reconciler: catalog repository is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("reconciler: extractor is required")
	}
	if deps.Categories == nil {
		return nil, errors.New("reconciler: category resolver is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	language := deps.Language
	if language == "" {
		language = "en"
	}
	return &Reconciler{
		catalog:     deps.Catalog,
		extractor:   deps.Extractor,
		categories:  deps.Categories,
		assembler:   deps.Assembler,
		media:       deps.Media,
		memberships: deps.Memberships,
		brands:      deps.Brands,
		language:    language,
		clock:       clock,
		newID:       newID,
		logger:      logger,
		sanitizer:   bluemonday.UGCPolicy(),
	}, nil
}

// Reconcile upserts a single remote product. Records without any usable
// identifier are skipped, as are records whose identity resolution lands
// on an entry of a conflicting kind.
func (r *Reconciler) Reconcile(ctx context.Context, product domain.RemoteProduct) (Result, error) {
	if product.SKU == "" && product.ExternalID == "" && product.ID == 0 {
		r.logger.Warn("record without identifiers skipped")
		return Result{Outcome: OutcomeSkipped}, nil
	}

	membership, isMember := r.lookupMembership(product)

	existing, found, familySKU, err := r.resolveIdentity(ctx, product, isMember)
	if err != nil {
		return Result{}, fmt.Errorf("resolve identity: %w", err)
	}
	if found && existing.IsFamily() {
		// A plain record must never overwrite a family parent.
		r.logger.Warn("record resolves to a family entry, skipped",
			zap.Int64("remote_id", product.ID),
			zap.String("sku", product.SKU),
			zap.String("entry_id", existing.ID),
		)
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if !found && familySKU {
		// The SKU belongs to a family parent and no other key claims
		// the record. Creating a suffixed twin would shadow the
		// family, so the record is dropped instead.
		r.logger.Warn("sku belongs to a family entry, record skipped",
			zap.Int64("remote_id", product.ID),
			zap.String("sku", product.SKU),
		)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	now := r.clock().UTC()

	entry := existing
	if !found {
		entry = domain.CatalogEntry{
			ID:        r.newID(),
			Kind:      domain.EntrySimple,
			CreatedAt: now,
		}
	}

	if err := r.populate(ctx, &entry, product, now); err != nil {
		return Result{}, err
	}

	if isMember && r.assembler != nil {
		if err := r.assembler.UpsertMember(ctx, &entry, product, membership); err != nil {
			return Result{}, fmt.Errorf("attach to family: %w", err)
		}
	}

	// The remote SKU applies on update too; a record without one keeps
	// the entry's existing SKU.
	if !found || product.SKU != "" {
		if err := r.claimSKU(ctx, &entry, product); err != nil {
			return Result{}, err
		}
	}

	if !found {
		if _, err := r.catalog.Insert(ctx, entry); err != nil {
			return Result{}, fmt.Errorf("insert entry: %w", err)
		}
		r.afterWrite(ctx, entry, membership, isMember)
		return Result{Outcome: OutcomeCreated, EntryID: entry.ID, Features: len(entry.Features)}, nil
	}

	if _, err := r.catalog.Update(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("update entry: %w", err)
	}
	r.afterWrite(ctx, entry, membership, isMember)
	return Result{Outcome: OutcomeUpdated, EntryID: entry.ID, Features: len(entry.Features)}, nil
}

func (r *Reconciler) lookupMembership(product domain.RemoteProduct) (FamilyMembership, bool) {
	if membership, ok := r.memberships.Lookup(product.ID, product.SKU); ok {
		return membership, true
	}
	if product.Grouped != nil {
		if membership, ok := r.memberships.Lookup(0, product.SKU); ok {
			return membership, true
		}
	}
	return FamilyMembership{}, false
}

// resolveIdentity walks the identity chain SKU, external ID, remote ID. A
// SKU hit on a family entry for a plain record is discarded so the chain
// can keep looking; the familySKU flag reports the discarded hit so the
// caller can skip the record when nothing else claims it.
func (r *Reconciler) resolveIdentity(ctx context.Context, product domain.RemoteProduct, isMember bool) (resolved domain.CatalogEntry, found bool, familySKU bool, err error) {
	if product.SKU != "" {
		entry, err := r.catalog.FindBySKU(ctx, product.SKU)
		switch {
		case err == nil:
			if entry.IsFamily() && !isMember {
				// The SKU belongs to a family parent; a plain
				// record with the same SKU is a different
				// object. Keep walking the chain.
				familySKU = true
				break
			}
			return entry, true, false, nil
		case !repositories.IsNotFound(err):
			return domain.CatalogEntry{}, false, false, err
		}
	}

	if product.ExternalID != "" {
		entry, err := r.catalog.FindByExternalID(ctx, product.ExternalID)
		switch {
		case err == nil:
			return entry, true, familySKU, nil
		case !repositories.IsNotFound(err):
			return domain.CatalogEntry{}, false, familySKU, err
		}
	}

	if product.ID != 0 {
		entry, err := r.catalog.FindByRemoteID(ctx, product.ID)
		switch {
		case err == nil:
			return entry, true, familySKU, nil
		case !repositories.IsNotFound(err):
			return domain.CatalogEntry{}, false, familySKU, err
		}
	}

	return domain.CatalogEntry{}, false, familySKU, nil
}

// claimSKU applies the record's SKU to the entry, suffixing with the
// remote ID when the plain SKU is already taken by a different entry.
func (r *Reconciler) claimSKU(ctx context.Context, entry *domain.CatalogEntry, product domain.RemoteProduct) error {
	sku := product.SKU
	if sku == "" {
		sku = product.InternalCode
	}
	if sku == "" {
		sku = fmt.Sprintf("pim-%d", product.ID)
	}

	if holder, err := r.catalog.FindBySKU(ctx, sku); err == nil && holder.ID != entry.ID {
		suffixed := fmt.Sprintf("%s-%d", sku, product.ID)
		r.logger.Warn("sku already taken, suffixing with remote id",
			zap.String("sku", sku),
			zap.String("holder", holder.ID),
			zap.String("suffixed_sku", suffixed),
		)
		sku = suffixed
	} else if err != nil && !repositories.IsNotFound(err) {
		return err
	}

	entry.SKU = sku
	return nil
}

// populate writes every remote-derived field onto the entry. Media
// mirroring failures degrade to log entries; everything else is fatal for
// the record.
func (r *Reconciler) populate(ctx context.Context, entry *domain.CatalogEntry, product domain.RemoteProduct, now time.Time) error {
	if translation, ok := PickTranslation(r.language, product.Translations); ok {
		if translation.Name != "" {
			entry.Name = translation.Name
		}
		entry.ShortDescription = translation.ShortDescription
		entry.LongDescription = r.sanitizer.Sanitize(translation.LongDescription)
	}
	if entry.Name == "" {
		entry.Name = entry.SKU
	}

	if name, ok := r.brands[product.BrandCode]; ok {
		entry.Brand = name
	} else if product.BrandCode != "" {
		entry.Brand = product.BrandCode
	}

	entry.Price, entry.SalePrice = r.pickPrice(product)
	entry.StockQuantity = pickStock(product)

	entry.Features = r.extractor.Extract(product)

	termIDs, err := r.categories.Resolve(ctx, product)
	if err != nil {
		return fmt.Errorf("resolve categories: %w", err)
	}
	entry.CategoryTermIDs = termIDs

	r.mirrorMedia(ctx, entry, product)

	entry.BackRefs.RemoteID = product.ID
	entry.BackRefs.ExternalID = product.ExternalID
	entry.BackRefs.LastSyncedAt = now
	entry.Retired = false
	entry.RetiredAt = nil
	entry.UpdatedAt = now
	return nil
}

// pickPrice selects the first price of the first trade item. On-request
// prices map to a blank local price.
func (r *Reconciler) pickPrice(product domain.RemoteProduct) (price, salePrice string) {
	for _, item := range product.TradeItems {
		for _, p := range item.Prices {
			if p.OnRequest {
				return "", ""
			}
			price = formatAmount(p.Amount)
			if p.SalePrice != nil && *p.SalePrice > 0 && *p.SalePrice < p.Amount {
				salePrice = formatAmount(*p.SalePrice)
			}
			return price, salePrice
		}
	}
	return "", ""
}

func pickStock(product domain.RemoteProduct) *float64 {
	var total float64
	have := false
	for _, item := range product.TradeItems {
		if item.Stock != nil {
			total += *item.Stock
			have = true
		}
	}
	if !have {
		return nil
	}
	return &total
}

func (r *Reconciler) mirrorMedia(ctx context.Context, entry *domain.CatalogEntry, product domain.RemoteProduct) {
	if r.media == nil {
		return
	}

	entry.PrimaryImage = ""
	entry.MediaRefs = entry.MediaRefs[:0]
	for _, attachment := range product.Attachments {
		ref, err := r.media.Mirror(ctx, entry.ID, attachment)
		if err != nil {
			r.logger.Warn("attachment mirror failed",
				zap.String("entry_id", entry.ID),
				zap.String("url", attachment.URL),
				zap.Error(err),
			)
			continue
		}
		entry.MediaRefs = append(entry.MediaRefs, ref)
		if entry.PrimaryImage == "" && attachment.Kind == domain.AttachmentImage {
			entry.PrimaryImage = ref
		}
	}
}

// afterWrite refreshes the family aggregate after a member write. Failures
// are logged, not fatal: the family is recomputed again on the next run.
func (r *Reconciler) afterWrite(ctx context.Context, entry domain.CatalogEntry, membership FamilyMembership, isMember bool) {
	if !isMember || r.assembler == nil {
		return
	}
	family, err := r.catalog.FindByFamilyRemoteID(ctx, membership.FamilyRemoteID)
	if err != nil {
		r.logger.Warn("family lookup for recompute failed",
			zap.Int64("family_remote_id", membership.FamilyRemoteID),
			zap.Error(err),
		)
		return
	}
	if err := r.assembler.RecomputeFamily(ctx, family); err != nil {
		r.logger.Warn("family recompute failed",
			zap.String("family_id", family.ID),
			zap.Error(err),
		)
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
