package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

// fakeRemote serves canned listings with page-size aware slicing.
type fakeRemote struct {
	products []domain.RemoteProduct
	delta    []domain.RemoteProduct
	groups   []domain.RemoteGroupedProduct
	tree     []domain.CategoryRef
	brands   []domain.RemoteBrand
	classes  []domain.RemoteFeatureClass

	listErr    error
	deltaCalls int
	fullCalls  int
}

func slicePage[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (f *fakeRemote) ListProducts(_ context.Context, page, pageSize int) ([]domain.RemoteProduct, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.fullCalls++
	return slicePage(f.products, page, pageSize), nil
}

func (f *fakeRemote) ListProductsModifiedSince(_ context.Context, _ time.Time, page, pageSize int) ([]domain.RemoteProduct, error) {
	f.deltaCalls++
	return slicePage(f.delta, page, pageSize), nil
}

func (f *fakeRemote) ListGroupedProducts(_ context.Context, page, pageSize int) ([]domain.RemoteGroupedProduct, error) {
	return slicePage(f.groups, page, pageSize), nil
}

func (f *fakeRemote) ListCategories(_ context.Context) ([]domain.CategoryRef, error) {
	return f.tree, nil
}

func (f *fakeRemote) ListBrands(_ context.Context) ([]domain.RemoteBrand, error) {
	return f.brands, nil
}

func (f *fakeRemote) ListFeatureClasses(_ context.Context) ([]domain.RemoteFeatureClass, error) {
	return f.classes, nil
}

type fakePublisher struct {
	published []domain.RunReport
}

func (f *fakePublisher) PublishRunCompleted(_ context.Context, report domain.RunReport) error {
	f.published = append(f.published, report)
	return nil
}

type orchestratorHarness struct {
	remote    *fakeRemote
	catalog   *memCatalogRepo
	runState  *memRunStateRepo
	publisher *fakePublisher
	engine    *Orchestrator
}

func newOrchestratorHarness(t *testing.T, remote *fakeRemote, opts OrchestratorOptions) *orchestratorHarness {
	t.Helper()
	h := &orchestratorHarness{
		remote:    remote,
		catalog:   newMemCatalogRepo(),
		runState:  newMemRunStateRepo(),
		publisher: &fakePublisher{},
	}
	if opts.Owner == "" {
		opts.Owner = "test-owner"
	}
	if opts.PageSize == 0 {
		opts.PageSize = 2
	}
	engine, err := NewOrchestrator(OrchestratorDeps{
		Remote:     remote,
		Catalog:    h.catalog,
		Categories: newMemCategoryRepo(),
		Attributes: newMemAttributeRepo(),
		RunState:   h.runState,
		Media:      &stubMediaStore{},
		Publisher:  h.publisher,
		Options:    opts,
		Clock:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.engine = engine
	return h
}

func remoteProduct(id int64, sku string) domain.RemoteProduct {
	return domain.RemoteProduct{
		ID:  id,
		SKU: sku,
		Translations: []domain.Translation{
			{Language: "en", Name: "Product " + sku},
		},
	}
}

func TestRunSyncFullCreatesAndReports(t *testing.T) {
	remote := &fakeRemote{
		products: []domain.RemoteProduct{
			remoteProduct(1, "A"),
			remoteProduct(2, "B"),
			remoteProduct(3, "C"),
		},
		brands: []domain.RemoteBrand{{Code: "ACME", Name: "Acme"}},
	}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !report.Success {
		t.Fatalf("run failed: %s", report.Error)
	}
	if report.Created != 3 || report.Updated != 0 || report.Failed != 0 {
		t.Fatalf("counters = %+v", report)
	}
	if len(h.catalog.entries) != 3 {
		t.Fatalf("stored %d entries, want 3", len(h.catalog.entries))
	}
	if len(h.runState.reports) != 1 {
		t.Fatalf("history has %d reports, want 1", len(h.runState.reports))
	}
	if len(h.publisher.published) != 1 {
		t.Fatalf("published %d events, want 1", len(h.publisher.published))
	}
	if !h.runState.haveSuccess {
		t.Fatal("success stamp not recorded")
	}
	if h.runState.lease.Owner != "" {
		t.Fatal("lease not released after the run")
	}
	if h.engine.Status() != StatusIdle {
		t.Fatalf("status = %q after run, want idle", h.engine.Status())
	}
}

func TestRunSyncSecondPassUpdates(t *testing.T) {
	remote := &fakeRemote{products: []domain.RemoteProduct{remoteProduct(1, "A")}}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	if _, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Created != 0 || report.Updated != 1 {
		t.Fatalf("second run counters = created %d updated %d", report.Created, report.Updated)
	}
}

func TestRunSyncRejectsOverlappingRun(t *testing.T) {
	remote := &fakeRemote{}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := h.runState.AcquireLease(context.Background(), "other-process", now, 5*time.Minute); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	_, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestRunSyncTakesOverExpiredLease(t *testing.T) {
	remote := &fakeRemote{}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	// A lease whose heartbeat stopped beyond the TTL counts as released.
	h.runState.lease = domain.RunLease{
		Owner:       "dead-process",
		HeartbeatAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		TTL:         5 * time.Minute,
	}

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !report.Success {
		t.Fatalf("run failed: %s", report.Error)
	}
}

func TestRunSyncIncrementalUsesDeltaListing(t *testing.T) {
	remote := &fakeRemote{
		products: []domain.RemoteProduct{remoteProduct(1, "A"), remoteProduct(2, "B")},
		delta:    []domain.RemoteProduct{remoteProduct(2, "B")},
	}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	if _, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull); err != nil {
		t.Fatalf("full run: %v", err)
	}
	report, err := h.engine.RunSync(context.Background(), domain.TriggerScheduled, domain.ModeIncremental)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if report.Mode != domain.ModeIncremental {
		t.Fatalf("mode = %q, want incremental", report.Mode)
	}
	if remote.deltaCalls == 0 {
		t.Fatal("delta listing never called")
	}
	if report.Updated != 1 || report.Created != 0 {
		t.Fatalf("counters = created %d updated %d", report.Created, report.Updated)
	}
}

func TestRunSyncIncrementalWithoutPriorSuccessFallsBackToFull(t *testing.T) {
	remote := &fakeRemote{products: []domain.RemoteProduct{remoteProduct(1, "A")}}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerScheduled, domain.ModeIncremental)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if report.Mode != domain.ModeFull {
		t.Fatalf("mode = %q, want fallback to full", report.Mode)
	}
	if remote.deltaCalls != 0 {
		t.Fatal("delta listing called without a prior success stamp")
	}
	if report.Created != 1 {
		t.Fatalf("created = %d, want 1", report.Created)
	}
}

func TestRunSyncFullPurgesStaleEntries(t *testing.T) {
	remote := &fakeRemote{products: []domain.RemoteProduct{remoteProduct(1, "A")}}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	stale := h.catalog.put(domain.CatalogEntry{
		SKU:      "GONE",
		BackRefs: domain.BackRefs{RemoteID: 99, LastSyncedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if report.RetiredRecords != 1 {
		t.Fatalf("retired = %d, want 1", report.RetiredRecords)
	}
	if !h.catalog.entries[stale.ID].Retired {
		t.Fatal("stale entry not retired")
	}
}

func TestRunSyncIncrementalNeverPurges(t *testing.T) {
	remote := &fakeRemote{
		products: []domain.RemoteProduct{remoteProduct(1, "A")},
		delta:    []domain.RemoteProduct{remoteProduct(1, "A")},
	}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	if _, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull); err != nil {
		t.Fatalf("full run: %v", err)
	}
	stale := h.catalog.put(domain.CatalogEntry{
		SKU:      "GONE",
		BackRefs: domain.BackRefs{RemoteID: 99, LastSyncedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerScheduled, domain.ModeIncremental)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if report.RetiredRecords != 0 {
		t.Fatalf("incremental run retired %d entries", report.RetiredRecords)
	}
	if h.catalog.entries[stale.ID].Retired {
		t.Fatal("incremental run retired an entry")
	}
}

func TestRunSyncIncludeFilterSuppressesPurge(t *testing.T) {
	remote := &fakeRemote{
		products: []domain.RemoteProduct{remoteProduct(1, "A"), remoteProduct(2, "B")},
	}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{IncludeSKUs: []string{"A"}})

	stale := h.catalog.put(domain.CatalogEntry{
		SKU:      "GONE",
		BackRefs: domain.BackRefs{RemoteID: 99, LastSyncedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if report.Created != 1 || report.Skipped != 1 {
		t.Fatalf("counters = created %d skipped %d", report.Created, report.Skipped)
	}
	if report.RetiredRecords != 0 {
		t.Fatal("filtered run purged entries")
	}
	if h.catalog.entries[stale.ID].Retired {
		t.Fatal("filtered run retired an entry")
	}
}

func TestRunSyncListFailureFoldsIntoReport(t *testing.T) {
	remote := &fakeRemote{listErr: errors.New("upstream down")}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync returned transport error: %v", err)
	}
	if report.Success {
		t.Fatal("report claims success")
	}
	if report.Error == "" {
		t.Fatal("report carries no error text")
	}
	if h.runState.lease.Owner != "" {
		t.Fatal("lease leaked after failed run")
	}
	if len(h.runState.reports) != 1 {
		t.Fatal("failed run not recorded in history")
	}
}

func TestRunSyncAssemblesFamiliesBeforeProducts(t *testing.T) {
	remote := &fakeRemote{
		products: []domain.RemoteProduct{remoteProduct(10, "KIT-A")},
		groups: []domain.RemoteGroupedProduct{{
			ID:      700,
			Code:    "KIT",
			Members: []domain.GroupedMember{{ProductID: 10, SKU: "KIT-A", Position: 1}},
		}},
	}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	report, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull)
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !report.Success {
		t.Fatalf("run failed: %s", report.Error)
	}

	family, err := h.catalog.FindByFamilyRemoteID(context.Background(), 700)
	if err != nil {
		t.Fatalf("family missing: %v", err)
	}
	member, err := h.catalog.FindBySKU(context.Background(), "KIT-A")
	if err != nil {
		t.Fatalf("member missing: %v", err)
	}
	if member.Kind != domain.EntryMember || member.ParentID != family.ID {
		t.Fatalf("member linkage = kind %q parent %q", member.Kind, member.ParentID)
	}
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	remote := &fakeRemote{}
	h := newOrchestratorHarness(t, remote, OrchestratorOptions{})

	for i := 0; i < 3; i++ {
		if _, err := h.engine.RunSync(context.Background(), domain.TriggerManual, domain.ModeFull); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	reports, err := h.engine.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("history has %d reports, want 3", len(reports))
	}
}
