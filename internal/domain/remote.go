package domain

// LocalizedText is a single translation entry attached to a remote value.
type LocalizedText struct {
	Language string
	Text     string
}

// Translation carries the per-language product texts delivered by the PIM.
type Translation struct {
	Language         string
	Name             string
	ShortDescription string
	LongDescription  string
}

// Price is a single price row on a trade item. OnRequest prices carry no
// usable amount and must map to a blank local price.
type Price struct {
	Amount    float64
	Currency  string
	Quantity  float64
	SalePrice *float64
	OnRequest bool
}

// TradeItem groups ordering data for a remote product.
type TradeItem struct {
	Code   string
	GTIN   string
	Prices []Price
	Stock  *float64
}

// AttachmentKind distinguishes image attachments from document attachments.
type AttachmentKind string

const (
	// AttachmentImage marks picture attachments.
	AttachmentImage AttachmentKind = "image"
	// AttachmentDocument marks datasheets, manuals and other documents.
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references a remote binary with optional localized captions.
type Attachment struct {
	Kind     AttachmentKind
	TypeCode string
	URL      string
	Titles   []LocalizedText
	Captions []LocalizedText
}

// CategoryRef is one node of a remote category chain. Parent chains are
// delivered nested; the resolver flattens them root-first.
type CategoryRef struct {
	ID     int64
	Name   string
	Labels []LocalizedText
	Parent *CategoryRef
}

// FeatureType tags the value shape of a typed feature.
type FeatureType string

const (
	// FeatureAlphanumeric is a single coded value with a description.
	FeatureAlphanumeric FeatureType = "A"
	// FeatureMultiValue is an ordered list of coded values.
	FeatureMultiValue FeatureType = "M"
	// FeatureLogical is a boolean value.
	FeatureLogical FeatureType = "L"
	// FeatureNumeric is a number, optionally with a unit.
	FeatureNumeric FeatureType = "N"
	// FeatureRange is a min/max pair, optionally with a unit.
	FeatureRange FeatureType = "R"
	// FeatureDate is a raw date string.
	FeatureDate FeatureType = "D"
	// FeatureTextShort is free text, short form.
	FeatureTextShort FeatureType = "I"
	// FeatureTextLong is free text, long form.
	FeatureTextLong FeatureType = "T"
	// FeatureTextIntl is internationalized free text.
	FeatureTextIntl FeatureType = "B"
)

// CodedValue is a vocabulary code with its localized descriptions.
type CodedValue struct {
	Code         string
	Descriptions []LocalizedText
}

// Unit describes a measurement unit. The abbreviation is preferred for
// display; the long description is the fallback.
type Unit struct {
	Code          string
	Abbreviations []LocalizedText
	Descriptions  []LocalizedText
}

// Feature is a normalized typed feature. Exactly the fields matching Type
// are populated; everything else stays zero.
type Feature struct {
	Code          string
	Type          FeatureType
	NotApplicable bool
	Labels        []LocalizedText

	Value  *CodedValue    // A
	Values []CodedValue   // M
	Bool   *bool          // L
	Number *float64       // N
	Min    *float64       // R
	Max    *float64       // R
	Unit   *Unit          // N, R
	Date   string         // D
	Texts  []LocalizedText // I, T, B
}

// GroupedRef marks a product as a member of a grouped product family.
type GroupedRef struct {
	GroupID  int64
	Position int
}

// RemoteProduct is one product record as fetched from the PIM, after the
// feature containers have been normalized into ordered lists.
type RemoteProduct struct {
	ID             int64
	ExternalID     string
	InternalCode   string
	SKU            string
	BrandCode      string
	Translations   []Translation
	TradeItems     []TradeItem
	Attachments    []Attachment
	Categories     []CategoryRef
	Features       []Feature // fixed-vocabulary system
	CustomFeatures []Feature // open custom-class system
	Grouped        *GroupedRef
}

// GroupedMember identifies one member of a grouped product family.
type GroupedMember struct {
	ProductID int64
	SKU       string
	Position  int
}

// RemoteGroupedProduct is a variant family as delivered by the PIM. The
// axis feature codes name the features whose values distinguish members.
type RemoteGroupedProduct struct {
	ID               int64
	Code             string
	Name             string
	Members          []GroupedMember
	AxisFeatureCodes []string
}

// RemoteBrand is one entry of the brand listing.
type RemoteBrand struct {
	Code   string
	Name   string
	Labels []LocalizedText
}

// RemoteFeatureClass describes a custom feature class: the fallback labels
// for custom-system features without their own translations.
type RemoteFeatureClass struct {
	Code   string
	Labels []LocalizedText
}
