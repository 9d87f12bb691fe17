package domain

import "time"

// EntryKind distinguishes the three shapes a local catalog entry can take.
// A simple entry must never be converted in place into a variant family or
// the other way round; such collisions are skip conditions.
type EntryKind string

const (
	// EntrySimple is a standalone catalog entry.
	EntrySimple EntryKind = "simple"
	// EntryFamily is the parent entry of a variant family.
	EntryFamily EntryKind = "family"
	// EntryMember is a variant member owned by a family entry.
	EntryMember EntryKind = "member"
)

// BackRefs are the stored pointers from a local entry to the remote record
// that produced it. LastSyncedAt drives staleness detection.
type BackRefs struct {
	RemoteID       int64
	ExternalID     string
	FamilyRemoteID int64
	LastSyncedAt   time.Time
}

// EntryFeature is one extracted display feature on a local entry.
type EntryFeature struct {
	Code  string
	Label string
	Value string
}

// CatalogEntry is the reconciled local catalog object.
type CatalogEntry struct {
	ID               string
	Kind             EntryKind
	SKU              string
	Name             string
	ShortDescription string
	LongDescription  string
	Brand            string
	Price            string // blank when the remote price is "on request"
	SalePrice        string
	StockQuantity    *float64
	Features         []EntryFeature
	CategoryTermIDs  []string
	PrimaryImage     string
	MediaRefs        []string
	ParentID         string            // owning family for members
	AxisSelections   map[string]string // axis code -> term ID, members only
	Position         int               // family order, members only
	BackRefs         BackRefs
	Retired          bool
	RetiredAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsFamily reports whether the entry is a variant family parent.
func (e CatalogEntry) IsFamily() bool { return e.Kind == EntryFamily }

// CategoryTerm is a local category node with its remote back-reference.
type CategoryTerm struct {
	ID       string
	Name     string
	ParentID string
	RemoteID int64
}

// AttributeAxis is one variation axis on a variant family. Generic axes are
// the single-axis fallback seeded with member SKUs when a family declares
// no axis feature codes.
type AttributeAxis struct {
	ID            string
	FamilyID      string
	Code          string
	Name          string
	Generic       bool
	OptionTermIDs []string
}

// AxisTerm is one selectable value under an attribute axis.
type AxisTerm struct {
	ID     string
	AxisID string
	Value  string
}
