package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// genericAxisCode names the fallback axis used when a family declares no
// axis feature codes, or when a member resolves no axis values at all.
const genericAxisCode = "variant"

// FamilyMembership records which family a remote product belongs to and
// which axes distinguish its members.
type FamilyMembership struct {
	FamilyID       string
	FamilyRemoteID int64
	FamilySKU      string
	AxisCodes      []string
	Position       int
}

// MembershipIndex is the product-to-family lookup table produced by Phase A
// and consumed by the reconciler during the main pass. Members are keyed by
// both remote product ID and SKU because either may be missing upstream.
type MembershipIndex struct {
	byRemoteID map[int64]FamilyMembership
	bySKU      map[string]FamilyMembership
}

// Lookup finds the membership for a remote product, trying the remote ID
// first and the SKU second.
func (i *MembershipIndex) Lookup(remoteID int64, sku string) (FamilyMembership, bool) {
	if i == nil {
		return FamilyMembership{}, false
	}
	if membership, ok := i.byRemoteID[remoteID]; ok {
		return membership, true
	}
	if sku != "" {
		if membership, ok := i.bySKU[sku]; ok {
			return membership, true
		}
	}
	return FamilyMembership{}, false
}

// Len reports how many member products the index covers.
func (i *MembershipIndex) Len() int {
	if i == nil {
		return 0
	}
	return len(i.byRemoteID)
}

// AssemblerDeps bundles the collaborators for a per-run variant assembler.
type AssemblerDeps struct {
	Catalog     repositories.CatalogRepository
	Attributes  repositories.AttributeRepository
	Extractor   *Extractor
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

// Assembler builds variant families out of the grouped-product listing and
// attaches members to their axes during the main pass. Phase A
// (BuildFamilies) must complete before any Phase B (UpsertMember) call.
type Assembler struct {
	catalog    repositories.CatalogRepository
	attributes repositories.AttributeRepository
	extractor  *Extractor
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger

	// axisCache avoids repeated axis lookups; keyed by family ID + code.
	axisCache map[string]domain.AttributeAxis
}

// NewAssembler constructs an assembler for one sync run.
func NewAssembler(deps AssemblerDeps) (*Assembler, error) {
	if deps.Catalog == nil {
		return nil, errors.New("variant assembler: catalog repository is required")
	}
	if deps.Attributes == nil {
		return nil, errors.New("variant assembler: attribute repository is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("variant assembler: extractor is required")
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
	return &Assembler{
		catalog:    deps.Catalog,
		attributes: deps.Attributes,
		extractor:  deps.Extractor,
		clock:      clock,
		newID:      newID,
		logger:     logger,
		axisCache:  make(map[string]domain.AttributeAxis),
	}, nil
}

// BuildFamilies runs Phase A over one page of grouped products: it creates
// or finds every family entry, prepares the variation axes, and extends the
// membership index. Per-family failures are logged and skipped so one
// broken family cannot abort the run.
func (a *Assembler) BuildFamilies(ctx context.Context, groups []domain.RemoteGroupedProduct, index *MembershipIndex) (*MembershipIndex, error) {
	if a == nil {
		return nil, errors.New("variant assembler: not initialised")
	}
	if index == nil {
		index = &MembershipIndex{
			byRemoteID: make(map[int64]FamilyMembership),
			bySKU:      make(map[string]FamilyMembership),
		}
	}

	for _, group := range groups {
		if err := a.buildFamily(ctx, group, index); err != nil {
			a.logger.Warn("variant family skipped",
				zap.Int64("group_id", group.ID),
				zap.String("code", group.Code),
				zap.Error(err),
			)
		}
	}
	return index, nil
}

func (a *Assembler) buildFamily(ctx context.Context, group domain.RemoteGroupedProduct, index *MembershipIndex) error {
	now := a.clock().UTC()

	family, err := a.catalog.FindByFamilyRemoteID(ctx, group.ID)
	switch {
	case err == nil:
		if !family.IsFamily() {
			return fmt.Errorf("remote group %d maps to non-family entry %s", group.ID, family.ID)
		}
		family.Name = group.Name
		family.BackRefs.LastSyncedAt = now
		family.UpdatedAt = now
		if family, err = a.catalog.Update(ctx, family); err != nil {
			return fmt.Errorf("refresh family: %w", err)
		}
	case repositories.IsNotFound(err):
		family, err = a.createFamily(ctx, group, now)
		if err != nil {
			return err
		}
	default:
		return err
	}

	axisCodes := group.AxisFeatureCodes
	if len(axisCodes) == 0 {
		axis, err := a.findOrCreateAxis(ctx, family.ID, genericAxisCode, true)
		if err != nil {
			return fmt.Errorf("generic axis: %w", err)
		}
		// Pre-seed the generic axis with every member SKU so the
		// options exist before the first member is written.
		for _, member := range group.Members {
			if member.SKU == "" {
				continue
			}
			if _, err := a.findOrCreateTerm(ctx, axis, member.SKU); err != nil {
				return fmt.Errorf("seed generic axis: %w", err)
			}
		}
	} else {
		for _, code := range axisCodes {
			if _, err := a.findOrCreateAxis(ctx, family.ID, code, false); err != nil {
				return fmt.Errorf("axis %s: %w", code, err)
			}
		}
	}

	for _, member := range group.Members {
		membership := FamilyMembership{
			FamilyID:       family.ID,
			FamilyRemoteID: group.ID,
			FamilySKU:      family.SKU,
			AxisCodes:      axisCodes,
			Position:       member.Position,
		}
		if member.ProductID != 0 {
			index.byRemoteID[member.ProductID] = membership
		}
		if member.SKU != "" {
			index.bySKU[member.SKU] = membership
		}
	}
	return nil
}

func (a *Assembler) createFamily(ctx context.Context, group domain.RemoteGroupedProduct, now time.Time) (domain.CatalogEntry, error) {
	sku := group.Code
	if sku == "" {
		sku = fmt.Sprintf("family-%d", group.ID)
	}

	if existing, err := a.catalog.FindBySKU(ctx, sku); err == nil {
		if existing.IsFamily() {
			// Back-reference was lost; re-adopt by SKU.
			existing.BackRefs.FamilyRemoteID = group.ID
			existing.BackRefs.LastSyncedAt = now
			existing.UpdatedAt = now
			return a.catalog.Update(ctx, existing)
		}
		suffixed := fmt.Sprintf("%s-%d", sku, group.ID)
		a.logger.Warn("family sku already taken by another entry",
			zap.String("sku", sku),
			zap.String("existing_entry", existing.ID),
			zap.String("suffixed_sku", suffixed),
		)
		sku = suffixed
	} else if !repositories.IsNotFound(err) {
		return domain.CatalogEntry{}, err
	}

	family := domain.CatalogEntry{
		ID:   a.newID(),
		Kind: domain.EntryFamily,
		SKU:  sku,
		Name: group.Name,
		BackRefs: domain.BackRefs{
			FamilyRemoteID: group.ID,
			LastSyncedAt:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return a.catalog.Insert(ctx, family)
}

// UpsertMember runs Phase B for one member entry: it resolves the member's
// value on every axis, registers the matching term in the family's option
// set before the member is persisted, and records the selection on the
// entry. Members whose family declares axes but who resolve no value at
// all fall back to the generic axis keyed by their SKU.
func (a *Assembler) UpsertMember(ctx context.Context, entry *domain.CatalogEntry, product domain.RemoteProduct, membership FamilyMembership) error {
	if a == nil {
		return errors.New("variant assembler: not initialised")
	}
	if entry == nil {
		return errors.New("variant assembler: entry is required")
	}

	entry.Kind = domain.EntryMember
	entry.ParentID = membership.FamilyID
	entry.Position = membership.Position
	entry.BackRefs.FamilyRemoteID = membership.FamilyRemoteID

	selections := make(map[string]string, len(membership.AxisCodes))
	for _, code := range membership.AxisCodes {
		value, ok := a.extractor.FormatByCode(product, code)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		axis, err := a.findOrCreateAxis(ctx, membership.FamilyID, code, false)
		if err != nil {
			return fmt.Errorf("axis %s: %w", code, err)
		}
		term, err := a.findOrCreateTerm(ctx, axis, value)
		if err != nil {
			return fmt.Errorf("axis %s term: %w", code, err)
		}
		selections[code] = term.ID
	}

	if len(selections) == 0 {
		if len(membership.AxisCodes) > 0 {
			a.logger.Warn("variant member resolves no axis values, using generic axis",
				zap.String("sku", entry.SKU),
				zap.Strings("axis_codes", membership.AxisCodes),
			)
		}
		axis, err := a.findOrCreateAxis(ctx, membership.FamilyID, genericAxisCode, true)
		if err != nil {
			return fmt.Errorf("generic axis: %w", err)
		}
		value := entry.SKU
		if value == "" {
			value = strconv.FormatInt(product.ID, 10)
		}
		term, err := a.findOrCreateTerm(ctx, axis, value)
		if err != nil {
			return fmt.Errorf("generic axis term: %w", err)
		}
		selections[genericAxisCode] = term.ID
	}

	entry.AxisSelections = selections
	return nil
}

// RecomputeFamily refreshes the aggregate fields of a family from its
// current members: the lowest member price, accumulated stock, and the
// primary image when the family has none of its own.
func (a *Assembler) RecomputeFamily(ctx context.Context, family domain.CatalogEntry) error {
	if a == nil {
		return errors.New("variant assembler: not initialised")
	}
	members, err := a.catalog.ListMembers(ctx, family.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	var (
		stock     float64
		haveStock bool
		minPrice  float64
		havePr    bool
		image     string
	)
	for _, member := range members {
		if member.Retired {
			continue
		}
		if member.StockQuantity != nil {
			stock += *member.StockQuantity
			haveStock = true
		}
		if p, err := strconv.ParseFloat(member.Price, 64); err == nil {
			if !havePr || p < minPrice {
				minPrice = p
				havePr = true
			}
		}
		if image == "" && member.PrimaryImage != "" {
			image = member.PrimaryImage
		}
	}

	if haveStock {
		family.StockQuantity = &stock
	} else {
		family.StockQuantity = nil
	}
	if havePr {
		family.Price = strconv.FormatFloat(minPrice, 'f', 2, 64)
	} else {
		family.Price = ""
	}
	if family.PrimaryImage == "" {
		family.PrimaryImage = image
	}
	family.UpdatedAt = a.clock().UTC()

	_, err = a.catalog.Update(ctx, family)
	return err
}

func (a *Assembler) findOrCreateAxis(ctx context.Context, familyID, code string, generic bool) (domain.AttributeAxis, error) {
	cacheKey := familyID + "\x00" + code
	if axis, ok := a.axisCache[cacheKey]; ok {
		return axis, nil
	}

	axis, err := a.attributes.FindAxis(ctx, familyID, code)
	switch {
	case err == nil:
	case repositories.IsNotFound(err):
		axis, err = a.attributes.InsertAxis(ctx, domain.AttributeAxis{
			ID:       a.newID(),
			FamilyID: familyID,
			Code:     code,
			Name:     code,
			Generic:  generic,
		})
		if err != nil {
			return domain.AttributeAxis{}, err
		}
	default:
		return domain.AttributeAxis{}, err
	}

	a.axisCache[cacheKey] = axis
	return axis, nil
}

func (a *Assembler) findOrCreateTerm(ctx context.Context, axis domain.AttributeAxis, value string) (domain.AxisTerm, error) {
	value = strings.TrimSpace(value)

	term, err := a.attributes.FindTerm(ctx, axis.ID, value)
	switch {
	case err == nil:
	case repositories.IsNotFound(err):
		term, err = a.attributes.InsertTerm(ctx, domain.AxisTerm{
			ID:     a.newID(),
			AxisID: axis.ID,
			Value:  value,
		})
		if err != nil {
			return domain.AxisTerm{}, err
		}
	default:
		return domain.AxisTerm{}, err
	}

	// Register the term with the family's option set immediately, so the
	// parent and the member agree before either is persisted.
	if err := a.attributes.AddAxisOptions(ctx, axis.ID, []string{term.ID}); err != nil {
		return domain.AxisTerm{}, err
	}
	return term, nil
}
