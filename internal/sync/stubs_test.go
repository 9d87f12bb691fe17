package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

func notFound(op string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, nil)
}

// memCategoryRepo is an in-memory CategoryRepository for tests.
type memCategoryRepo struct {
	terms  map[string]domain.CategoryTerm
	nextID int
}

func newMemCategoryRepo() *memCategoryRepo {
	return &memCategoryRepo{terms: make(map[string]domain.CategoryTerm)}
}

func (r *memCategoryRepo) FindByRemoteID(_ context.Context, remoteID int64) (domain.CategoryTerm, error) {
	for _, term := range r.terms {
		if term.RemoteID == remoteID {
			return term, nil
		}
	}
	return domain.CategoryTerm{}, notFound("category.findByRemoteID")
}

func (r *memCategoryRepo) FindByNameAndParent(_ context.Context, name, parentID string) (domain.CategoryTerm, error) {
	for _, term := range r.terms {
		if term.Name == name && term.ParentID == parentID {
			return term, nil
		}
	}
	return domain.CategoryTerm{}, notFound("category.findByNameAndParent")
}

func (r *memCategoryRepo) Insert(_ context.Context, term domain.CategoryTerm) (domain.CategoryTerm, error) {
	r.nextID++
	term.ID = fmt.Sprintf("term-%d", r.nextID)
	r.terms[term.ID] = term
	return term, nil
}

func (r *memCategoryRepo) ListWithBackRef(_ context.Context) ([]domain.CategoryTerm, error) {
	var out []domain.CategoryTerm
	for _, term := range r.terms {
		if term.RemoteID != 0 {
			out = append(out, term)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memCategoryRepo) Delete(_ context.Context, termID string) error {
	if _, ok := r.terms[termID]; !ok {
		return notFound("category.delete")
	}
	delete(r.terms, termID)
	return nil
}

// memCatalogRepo is an in-memory CatalogRepository for tests.
type memCatalogRepo struct {
	entries map[string]domain.CatalogEntry
	nextID  int
}

func newMemCatalogRepo() *memCatalogRepo {
	return &memCatalogRepo{entries: make(map[string]domain.CatalogEntry)}
}

func (r *memCatalogRepo) put(entry domain.CatalogEntry) domain.CatalogEntry {
	if entry.ID == "" {
		r.nextID++
		entry.ID = fmt.Sprintf("entry-%d", r.nextID)
	}
	r.entries[entry.ID] = entry
	return entry
}

func (r *memCatalogRepo) find(match func(domain.CatalogEntry) bool, op string) (domain.CatalogEntry, error) {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if match(r.entries[id]) {
			return r.entries[id], nil
		}
	}
	return domain.CatalogEntry{}, notFound(op)
}

func (r *memCatalogRepo) FindBySKU(_ context.Context, sku string) (domain.CatalogEntry, error) {
	return r.find(func(e domain.CatalogEntry) bool { return e.SKU == sku && sku != "" }, "catalog.findBySKU")
}

func (r *memCatalogRepo) FindByExternalID(_ context.Context, externalID string) (domain.CatalogEntry, error) {
	return r.find(func(e domain.CatalogEntry) bool {
		return e.BackRefs.ExternalID == externalID && externalID != ""
	}, "catalog.findByExternalID")
}

func (r *memCatalogRepo) FindByRemoteID(_ context.Context, remoteID int64) (domain.CatalogEntry, error) {
	return r.find(func(e domain.CatalogEntry) bool {
		return e.BackRefs.RemoteID == remoteID && remoteID != 0
	}, "catalog.findByRemoteID")
}

func (r *memCatalogRepo) FindByFamilyRemoteID(_ context.Context, familyRemoteID int64) (domain.CatalogEntry, error) {
	return r.find(func(e domain.CatalogEntry) bool {
		return e.Kind == domain.EntryFamily && e.BackRefs.FamilyRemoteID == familyRemoteID
	}, "catalog.findByFamilyRemoteID")
}

func (r *memCatalogRepo) Insert(_ context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	return r.put(entry), nil
}

func (r *memCatalogRepo) Update(_ context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	if _, ok := r.entries[entry.ID]; !ok {
		return domain.CatalogEntry{}, notFound("catalog.update")
	}
	r.entries[entry.ID] = entry
	return entry, nil
}

func (r *memCatalogRepo) ListMembers(_ context.Context, familyID string) ([]domain.CatalogEntry, error) {
	var out []domain.CatalogEntry
	for _, entry := range r.entries {
		if entry.Kind == domain.EntryMember && entry.ParentID == familyID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *memCatalogRepo) ListStale(_ context.Context, cutoff time.Time) ([]domain.CatalogEntry, error) {
	var out []domain.CatalogEntry
	for _, entry := range r.entries {
		if entry.Retired {
			continue
		}
		if entry.BackRefs.RemoteID == 0 && entry.BackRefs.FamilyRemoteID == 0 {
			continue
		}
		if entry.BackRefs.LastSyncedAt.Before(cutoff) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memCatalogRepo) Retire(_ context.Context, entryID string, at time.Time) error {
	entry, ok := r.entries[entryID]
	if !ok {
		return notFound("catalog.retire")
	}
	entry.Retired = true
	entry.RetiredAt = &at
	r.entries[entryID] = entry
	return nil
}

func (r *memCatalogRepo) CountActiveInCategory(_ context.Context, termID string) (int, error) {
	count := 0
	for _, entry := range r.entries {
		if entry.Retired {
			continue
		}
		for _, id := range entry.CategoryTermIDs {
			if id == termID {
				count++
				break
			}
		}
	}
	return count, nil
}

// memRunStateRepo is an in-memory RunStateRepository for tests.
type memRunStateRepo struct {
	lease       domain.RunLease
	lastSuccess time.Time
	haveSuccess bool
	reports     []domain.RunReport
	refreshed   int
}

func newMemRunStateRepo() *memRunStateRepo {
	return &memRunStateRepo{}
}

func (r *memRunStateRepo) AcquireLease(_ context.Context, owner string, now time.Time, ttl time.Duration) (domain.RunLease, error) {
	if r.lease.Owner != "" && r.lease.Owner != owner && !r.lease.Expired(now) {
		return domain.RunLease{}, repositories.ErrLeaseHeld
	}
	r.lease = domain.RunLease{Owner: owner, AcquiredAt: now, HeartbeatAt: now, TTL: ttl}
	return r.lease, nil
}

func (r *memRunStateRepo) RefreshLease(_ context.Context, owner string, now time.Time) error {
	if r.lease.Owner != owner {
		return notFound("runstate.refreshLease")
	}
	r.lease.HeartbeatAt = now
	r.refreshed++
	return nil
}

func (r *memRunStateRepo) ReleaseLease(_ context.Context, owner string) error {
	if r.lease.Owner == owner {
		r.lease = domain.RunLease{}
	}
	return nil
}

func (r *memRunStateRepo) LastSuccessfulRun(_ context.Context) (time.Time, bool, error) {
	return r.lastSuccess, r.haveSuccess, nil
}

func (r *memRunStateRepo) RecordSuccessfulRun(_ context.Context, at time.Time) error {
	r.lastSuccess = at
	r.haveSuccess = true
	return nil
}

func (r *memRunStateRepo) AppendReport(_ context.Context, report domain.RunReport) error {
	r.reports = append([]domain.RunReport{report}, r.reports...)
	if len(r.reports) > 20 {
		r.reports = r.reports[:20]
	}
	return nil
}

func (r *memRunStateRepo) ListReports(_ context.Context, limit int) ([]domain.RunReport, error) {
	if limit > 0 && len(r.reports) > limit {
		return r.reports[:limit], nil
	}
	return r.reports, nil
}

// memAttributeRepo is an in-memory AttributeRepository for tests.
type memAttributeRepo struct {
	axes   map[string]domain.AttributeAxis
	terms  map[string]domain.AxisTerm
	nextID int
}

func newMemAttributeRepo() *memAttributeRepo {
	return &memAttributeRepo{
		axes:  make(map[string]domain.AttributeAxis),
		terms: make(map[string]domain.AxisTerm),
	}
}

func (r *memAttributeRepo) FindAxis(_ context.Context, familyID, code string) (domain.AttributeAxis, error) {
	for _, axis := range r.axes {
		if axis.FamilyID == familyID && axis.Code == code {
			return axis, nil
		}
	}
	return domain.AttributeAxis{}, notFound("attribute.findAxis")
}

func (r *memAttributeRepo) InsertAxis(_ context.Context, axis domain.AttributeAxis) (domain.AttributeAxis, error) {
	if axis.ID == "" {
		r.nextID++
		axis.ID = fmt.Sprintf("axis-%d", r.nextID)
	}
	r.axes[axis.ID] = axis
	return axis, nil
}

func (r *memAttributeRepo) AddAxisOptions(_ context.Context, axisID string, termIDs []string) error {
	axis, ok := r.axes[axisID]
	if !ok {
		return notFound("attribute.addAxisOptions")
	}
	for _, termID := range termIDs {
		present := false
		for _, existing := range axis.OptionTermIDs {
			if existing == termID {
				present = true
				break
			}
		}
		if !present {
			axis.OptionTermIDs = append(axis.OptionTermIDs, termID)
		}
	}
	r.axes[axisID] = axis
	return nil
}

func (r *memAttributeRepo) FindTerm(_ context.Context, axisID, value string) (domain.AxisTerm, error) {
	for _, term := range r.terms {
		if term.AxisID == axisID && term.Value == value {
			return term, nil
		}
	}
	return domain.AxisTerm{}, notFound("attribute.findTerm")
}

func (r *memAttributeRepo) InsertTerm(_ context.Context, term domain.AxisTerm) (domain.AxisTerm, error) {
	if term.ID == "" {
		r.nextID++
		term.ID = fmt.Sprintf("axisterm-%d", r.nextID)
	}
	r.terms[term.ID] = term
	return term, nil
}
