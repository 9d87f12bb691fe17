package repositories

import (
	"context"
	"time"

	domain "github.com/meridian-commerce/pimsync/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for
// dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	Categories() CategoryRepository
	Attributes() AttributeRepository
	RunState() RunStateRepository
}

// CatalogRepository persists local catalog entries. Lookups that miss
// return a not-found store error; callers distinguish it with IsNotFound.
type CatalogRepository interface {
	FindBySKU(ctx context.Context, sku string) (domain.CatalogEntry, error)
	FindByExternalID(ctx context.Context, externalID string) (domain.CatalogEntry, error)
	FindByRemoteID(ctx context.Context, remoteID int64) (domain.CatalogEntry, error)
	FindByFamilyRemoteID(ctx context.Context, familyRemoteID int64) (domain.CatalogEntry, error)
	Insert(ctx context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error)
	Update(ctx context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error)
	ListMembers(ctx context.Context, familyID string) ([]domain.CatalogEntry, error)
	// ListStale returns non-retired entries carrying a back-reference
	// whose last-synced stamp is missing or older than the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.CatalogEntry, error)
	Retire(ctx context.Context, entryID string, at time.Time) error
	// CountActiveInCategory reports how many non-retired entries are
	// assigned to the category term.
	CountActiveInCategory(ctx context.Context, termID string) (int, error)
}

// CategoryRepository persists local category terms and their remote
// back-references.
type CategoryRepository interface {
	FindByRemoteID(ctx context.Context, remoteID int64) (domain.CategoryTerm, error)
	FindByNameAndParent(ctx context.Context, name, parentID string) (domain.CategoryTerm, error)
	Insert(ctx context.Context, term domain.CategoryTerm) (domain.CategoryTerm, error)
	// ListWithBackRef returns every term that carries a remote
	// back-reference; input for the stale-category purge.
	ListWithBackRef(ctx context.Context) ([]domain.CategoryTerm, error)
	Delete(ctx context.Context, termID string) error
}

// AttributeRepository persists variant axes and their selectable terms.
type AttributeRepository interface {
	FindAxis(ctx context.Context, familyID, code string) (domain.AttributeAxis, error)
	InsertAxis(ctx context.Context, axis domain.AttributeAxis) (domain.AttributeAxis, error)
	// AddAxisOptions registers term IDs in the axis option set; already
	// present IDs are ignored.
	AddAxisOptions(ctx context.Context, axisID string, termIDs []string) error
	FindTerm(ctx context.Context, axisID, value string) (domain.AxisTerm, error)
	InsertTerm(ctx context.Context, term domain.AxisTerm) (domain.AxisTerm, error)
}

// RunStateRepository owns the run lease, the last-success stamp, and the
// bounded run history.
type RunStateRepository interface {
	// AcquireLease claims the single-run lock. It fails with
	// ErrLeaseHeld while a live lease belongs to another owner; an
	// expired heartbeat counts as released.
	AcquireLease(ctx context.Context, owner string, now time.Time, ttl time.Duration) (domain.RunLease, error)
	RefreshLease(ctx context.Context, owner string, now time.Time) error
	ReleaseLease(ctx context.Context, owner string) error
	LastSuccessfulRun(ctx context.Context) (time.Time, bool, error)
	RecordSuccessfulRun(ctx context.Context, at time.Time) error
	AppendReport(ctx context.Context, report domain.RunReport) error
	ListReports(ctx context.Context, limit int) ([]domain.RunReport, error)
}

// MediaStore mirrors remote attachments into local object storage and
// returns a stable reference for the stored copy.
type MediaStore interface {
	Mirror(ctx context.Context, entryID string, attachment domain.Attachment) (string, error)
}
