package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// ErrRunActive is returned when a trigger arrives while another run holds
// the lease.
var ErrRunActive = errors.New("sync: a run is already active")

// Status is the externally visible phase of the engine.
type Status string

const (
	// StatusIdle means no run is in progress.
	StatusIdle Status = "idle"
	// StatusFetching means remote listings are being loaded.
	StatusFetching Status = "fetching"
	// StatusReconciling means the main upsert pass is in progress.
	StatusReconciling Status = "reconciling"
	// StatusPurging means the stale sweep is in progress.
	StatusPurging Status = "purging"
)

// RemoteCatalog is the slice of the PIM client the orchestrator consumes.
type RemoteCatalog interface {
	ListProducts(ctx context.Context, page, pageSize int) ([]domain.RemoteProduct, error)
	ListProductsModifiedSince(ctx context.Context, since time.Time, page, pageSize int) ([]domain.RemoteProduct, error)
	ListGroupedProducts(ctx context.Context, page, pageSize int) ([]domain.RemoteGroupedProduct, error)
	ListCategories(ctx context.Context) ([]domain.CategoryRef, error)
	ListBrands(ctx context.Context) ([]domain.RemoteBrand, error)
	ListFeatureClasses(ctx context.Context) ([]domain.RemoteFeatureClass, error)
}

// ReportPublisher emits the run outcome after every completed run.
type ReportPublisher interface {
	PublishRunCompleted(ctx context.Context, report domain.RunReport) error
}

// OrchestratorOptions carries the tunables of the sync engine.
type OrchestratorOptions struct {
	Language  string
	PageSize  int
	Owner     string
	LeaseTTL  time.Duration
	Heartbeat time.Duration
	// IncludeSKUs restricts reconciliation to the listed SKUs. An active
	// include filter suppresses the purge phase.
	IncludeSKUs []string
	// AllowFeatureCodes and DenyFeatureCodes gate feature extraction.
	AllowFeatureCodes []string
	DenyFeatureCodes  []string
	HistoryLimit      int
}

// OrchestratorDeps bundles the collaborators of the sync engine.
type OrchestratorDeps struct {
	Remote     RemoteCatalog
	Catalog    repositories.CatalogRepository
	Categories repositories.CategoryRepository
	Attributes repositories.AttributeRepository
	RunState   repositories.RunStateRepository
	Media      repositories.MediaStore
	Publisher  ReportPublisher
	Options    OrchestratorOptions
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Orchestrator drives complete sync runs: lease handling, the two fetch
// phases, the reconciliation pass, the purge sweep, and run reporting.
// At most one run is active per orchestrator; overlap across processes is
// prevented by the stored lease.
type Orchestrator struct {
	remote     RemoteCatalog
	catalog    repositories.CatalogRepository
	categories repositories.CategoryRepository
	attributes repositories.AttributeRepository
	runState   repositories.RunStateRepository
	media      repositories.MediaStore
	publisher  ReportPublisher
	opts       OrchestratorOptions
	clock      func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	status Status
}

// NewOrchestrator constructs the sync engine.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Remote == nil {
		return nil, errors.New("orchestrator: remote catalog is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("orchestrator: catalog repository is required")
	}
	if deps.Categories == nil {
		return nil, errors.New("orchestrator: category repository is required")
	}
	if deps.Attributes == nil {
		return nil, errors.New("orchestrator: attribute repository is required")
	}
	if deps.RunState == nil {
		return nil, errors.New("orchestrator: run state repository is required")
	}

	opts := deps.Options
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Owner == "" {
		opts.Owner = ulid.Make().String()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		remote:     deps.Remote,
		catalog:    deps.Catalog,
		categories: deps.Categories,
		attributes: deps.Attributes,
		runState:   deps.RunState,
		media:      deps.Media,
		publisher:  deps.Publisher,
		opts:       opts,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("pimsync/sync"),
		status:     StatusIdle,
	}, nil
}

// Status reports the current engine phase.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// History returns the most recent run reports, newest first.
func (o *Orchestrator) History(ctx context.Context) ([]domain.RunReport, error) {
	return o.runState.ListReports(ctx, o.opts.HistoryLimit)
}

// RunSync executes one complete sync run. The only error it returns is
// ErrRunActive; every other failure is folded into the run report so the
// trigger always learns the outcome.
func (o *Orchestrator) RunSync(ctx context.Context, trigger domain.RunTrigger, mode domain.RunMode) (domain.RunReport, error) {
	startedAt := o.clock().UTC()

	if _, err := o.runState.AcquireLease(ctx, o.opts.Owner, startedAt, o.opts.LeaseTTL); err != nil {
		if errors.Is(err, repositories.ErrLeaseHeld) {
			return domain.RunReport{}, ErrRunActive
		}
		report := o.failedReport(trigger, mode, startedAt, fmt.Errorf("acquire lease: %w", err))
		o.finishRun(ctx, report)
		return report, nil
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	var heartbeatDone sync.WaitGroup
	heartbeatDone.Add(1)
	go func() {
		defer heartbeatDone.Done()
		o.heartbeat(heartbeatCtx)
	}()

	defer func() {
		stopHeartbeat()
		heartbeatDone.Wait()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.runState.ReleaseLease(releaseCtx, o.opts.Owner); err != nil {
			o.logger.Warn("lease release failed", zap.Error(err))
		}
		o.setStatus(StatusIdle)
	}()

	ctx, span := o.tracer.Start(ctx, "sync.run",
		trace.WithAttributes(
			attribute.String("trigger", string(trigger)),
			attribute.String("mode", string(mode)),
		))
	defer span.End()

	report := o.run(ctx, trigger, mode, startedAt)
	o.finishRun(ctx, report)
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, trigger domain.RunTrigger, mode domain.RunMode, startedAt time.Time) domain.RunReport {
	report := domain.RunReport{
		ID:        ulid.Make().String(),
		Mode:      mode,
		Trigger:   trigger,
		StartedAt: startedAt,
	}

	var since time.Time
	if mode == domain.ModeIncremental {
		stamp, ok, err := o.runState.LastSuccessfulRun(ctx)
		if err != nil {
			return o.fold(report, fmt.Errorf("load last success stamp: %w", err))
		}
		if !ok {
			o.logger.Warn("no prior successful run, falling back to full mode")
			mode = domain.ModeFull
			report.Mode = domain.ModeFull
		} else {
			since = stamp
		}
	}

	o.setStatus(StatusFetching)

	brands, err := o.fetchBrands(ctx)
	if err != nil {
		return o.fold(report, err)
	}
	extractor := NewExtractor(ExtractorOptions{
		Language:   o.opts.Language,
		AllowCodes: o.opts.AllowFeatureCodes,
		DenyCodes:  o.opts.DenyFeatureCodes,
	})
	if classes, err := o.remote.ListFeatureClasses(ctx); err != nil {
		// Class labels are a fallback only; a failed listing degrades
		// label quality, not the run.
		o.logger.Warn("feature class listing failed", zap.Error(err))
	} else {
		extractor.SetClassLabels(classes)
	}

	resolver, err := NewCategoryResolver(CategoryResolverDeps{
		Categories: o.categories,
		Language:   o.opts.Language,
		Clock:      o.clock,
		Logger:     o.logger,
	})
	if err != nil {
		return o.fold(report, err)
	}
	if report.Mode == domain.ModeFull {
		// Pre-resolve the published tree so the purge seen-set keeps
		// categories that no product happened to reference this run.
		tree, err := o.remote.ListCategories(ctx)
		if err != nil {
			return o.fold(report, fmt.Errorf("list category tree: %w", err))
		}
		if err := resolver.ResolveTree(ctx, tree); err != nil {
			return o.fold(report, err)
		}
	}
	assembler, err := NewAssembler(AssemblerDeps{
		Catalog:    o.catalog,
		Attributes: o.attributes,
		Extractor:  extractor,
		Clock:      o.clock,
		Logger:     o.logger,
	})
	if err != nil {
		return o.fold(report, err)
	}

	index, err := o.assembleFamilies(ctx, assembler)
	if err != nil {
		return o.fold(report, err)
	}
	o.logger.Info("variant families assembled", zap.Int("members", index.Len()))

	reconciler, err := NewReconciler(ReconcilerDeps{
		Catalog:     o.catalog,
		Extractor:   extractor,
		Categories:  resolver,
		Assembler:   assembler,
		Media:       o.media,
		Memberships: index,
		Brands:      brands,
		Language:    o.opts.Language,
		Clock:       o.clock,
		Logger:      o.logger,
	})
	if err != nil {
		return o.fold(report, err)
	}

	o.setStatus(StatusReconciling)
	if err := o.reconcileAll(ctx, reconciler, since, &report); err != nil {
		return o.fold(report, err)
	}

	filtered := len(o.opts.IncludeSKUs) > 0
	if report.Mode == domain.ModeFull && !filtered {
		o.setStatus(StatusPurging)
		purger, err := NewPurger(PurgerDeps{
			Catalog:    o.catalog,
			Categories: o.categories,
			Logger:     o.logger,
		})
		if err != nil {
			return o.fold(report, err)
		}
		retired, err := purger.PurgeStaleEntries(ctx, startedAt)
		if err != nil {
			return o.fold(report, err)
		}
		report.RetiredRecords = retired

		deleted, err := purger.PurgeStaleCategories(ctx, resolver.SeenRemoteIDs())
		if err != nil {
			return o.fold(report, err)
		}
		report.RetiredCategories = deleted
	} else {
		o.logger.Info("purge skipped",
			zap.String("mode", string(report.Mode)),
			zap.Bool("filtered", filtered),
		)
	}

	if err := o.runState.RecordSuccessfulRun(ctx, startedAt); err != nil {
		return o.fold(report, fmt.Errorf("record success stamp: %w", err))
	}

	report.Success = true
	report.FinishedAt = o.clock().UTC()
	return report
}

// assembleFamilies runs Phase A: the full grouped-product listing is
// paginated before any product is reconciled so the membership index is
// complete for the main pass.
func (o *Orchestrator) assembleFamilies(ctx context.Context, assembler *Assembler) (*MembershipIndex, error) {
	var index *MembershipIndex
	for page := 1; ; page++ {
		groups, err := o.remote.ListGroupedProducts(ctx, page, o.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list grouped products page %d: %w", page, err)
		}
		if len(groups) == 0 {
			break
		}
		if index, err = assembler.BuildFamilies(ctx, groups, index); err != nil {
			return nil, err
		}
		if len(groups) < o.opts.PageSize {
			break
		}
	}
	if index == nil {
		index = &MembershipIndex{}
	}
	return index, nil
}

// reconcileAll runs the main pass: strictly sequential pagination, one
// record at a time. A panicking record is counted as failed and the pass
// continues.
func (o *Orchestrator) reconcileAll(ctx context.Context, reconciler *Reconciler, since time.Time, report *domain.RunReport) error {
	include := make(map[string]struct{}, len(o.opts.IncludeSKUs))
	for _, sku := range o.opts.IncludeSKUs {
		include[strings.TrimSpace(sku)] = struct{}{}
	}

	for page := 1; ; page++ {
		var (
			products []domain.RemoteProduct
			err      error
		)
		if since.IsZero() {
			products, err = o.remote.ListProducts(ctx, page, o.opts.PageSize)
		} else {
			products, err = o.remote.ListProductsModifiedSince(ctx, since, page, o.opts.PageSize)
		}
		if err != nil {
			return fmt.Errorf("list products page %d: %w", page, err)
		}
		if len(products) == 0 {
			break
		}

		for _, product := range products {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(include) > 0 {
				if _, ok := include[product.SKU]; !ok {
					report.Skipped++
					continue
				}
			}
			o.reconcileOne(ctx, reconciler, product, report)
		}

		if len(products) < o.opts.PageSize {
			break
		}
	}
	return nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, reconciler *Reconciler, product domain.RemoteProduct, report *domain.RunReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Failed++
			o.logger.Error("record reconciliation panicked",
				zap.Int64("remote_id", product.ID),
				zap.String("sku", product.SKU),
				zap.Any("panic", r),
			)
		}
	}()

	result, err := reconciler.Reconcile(ctx, product)
	if err != nil {
		report.Failed++
		o.logger.Warn("record reconciliation failed",
			zap.Int64("remote_id", product.ID),
			zap.String("sku", product.SKU),
			zap.Error(err),
		)
		return
	}

	switch result.Outcome {
	case OutcomeCreated:
		report.Created++
	case OutcomeUpdated:
		report.Updated++
	default:
		report.Skipped++
	}
	if result.Outcome == OutcomeSkipped {
		return
	}
	if result.Features > 0 {
		report.WithFeatures++
	} else {
		report.WithoutFeatures++
	}
}

func (o *Orchestrator) fetchBrands(ctx context.Context) (map[string]string, error) {
	listed, err := o.remote.ListBrands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list brands: %w", err)
	}
	brands := make(map[string]string, len(listed))
	for _, brand := range listed {
		name := brand.Name
		if text, ok := PickText(o.opts.Language, brand.Labels); ok {
			name = text
		}
		if brand.Code != "" && name != "" {
			brands[brand.Code] = name
		}
	}
	return brands, nil
}

// heartbeat refreshes the lease until the run context is cancelled.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runState.RefreshLease(ctx, o.opts.Owner, o.clock().UTC()); err != nil {
				o.logger.Warn("lease refresh failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) fold(report domain.RunReport, err error) domain.RunReport {
	report.Success = false
	report.Error = err.Error()
	report.FinishedAt = o.clock().UTC()
	o.logger.Error("sync run failed", zap.String("run_id", report.ID), zap.Error(err))
	return report
}

func (o *Orchestrator) failedReport(trigger domain.RunTrigger, mode domain.RunMode, startedAt time.Time, err error) domain.RunReport {
	return o.fold(domain.RunReport{
		ID:        ulid.Make().String(),
		Mode:      mode,
		Trigger:   trigger,
		StartedAt: startedAt,
	}, err)
}

// finishRun appends the report to the bounded history and publishes the
// run-completed event. Both are best effort; the report itself is already
// in the caller's hands.
func (o *Orchestrator) finishRun(ctx context.Context, report domain.RunReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := o.runState.AppendReport(ctx, report); err != nil {
		o.logger.Warn("run report append failed", zap.Error(err))
	}
	if o.publisher != nil {
		if err := o.publisher.PublishRunCompleted(ctx, report); err != nil {
			o.logger.Warn("run-completed publish failed", zap.Error(err))
		}
	}

	o.logger.Info("sync run finished",
		zap.String("run_id", report.ID),
		zap.Bool("success", report.Success),
		zap.String("mode", string(report.Mode)),
		zap.String("trigger", string(report.Trigger)),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("retired_records", report.RetiredRecords),
		zap.Int("retired_categories", report.RetiredCategories),
	)
}
