package sync

import (
	"strconv"
	"strings"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

// rangeSeparator joins the two bounds of a range feature.
const rangeSeparator = " – " // " – "

// Localized boolean display values per base language; English is the
// fallback for languages without an entry.
var boolLabels = map[string][2]string{
	"en": {"Yes", "No"},
	"de": {"Ja", "Nein"},
	"fr": {"Oui", "Non"},
	"nl": {"Ja", "Nee"},
	"it": {"Sì", "No"},
	"es": {"Sí", "No"},
}

// Extractor turns the typed feature sets of a remote product into display
// strings for one target language.
type Extractor struct {
	language    string
	allow       map[string]struct{}
	deny        map[string]struct{}
	classLabels map[string][]domain.LocalizedText
}

// ExtractorOptions configures feature extraction.
type ExtractorOptions struct {
	// Language is the target language for all localized lookups.
	Language string
	// AllowCodes restricts extraction to the listed feature codes when
	// non-empty.
	AllowCodes []string
	// DenyCodes suppresses the listed feature codes.
	DenyCodes []string
}

// NewExtractor constructs an Extractor for the given language and filters.
func NewExtractor(opts ExtractorOptions) *Extractor {
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "en"
	}
	extractor := &Extractor{language: language}
	if len(opts.AllowCodes) > 0 {
		extractor.allow = make(map[string]struct{}, len(opts.AllowCodes))
		for _, code := range opts.AllowCodes {
			if code = strings.TrimSpace(code); code != "" {
				extractor.allow[code] = struct{}{}
			}
		}
	}
	if len(opts.DenyCodes) > 0 {
		extractor.deny = make(map[string]struct{}, len(opts.DenyCodes))
		for _, code := range opts.DenyCodes {
			if code = strings.TrimSpace(code); code != "" {
				extractor.deny[code] = struct{}{}
			}
		}
	}
	return extractor
}

// SetClassLabels installs the custom feature class labels fetched at run
// start. They back-fill labels for custom-system features that carry no
// translations of their own.
func (e *Extractor) SetClassLabels(classes []domain.RemoteFeatureClass) {
	if len(classes) == 0 {
		e.classLabels = nil
		return
	}
	labels := make(map[string][]domain.LocalizedText, len(classes))
	for _, class := range classes {
		code := strings.TrimSpace(class.Code)
		if code == "" || len(class.Labels) == 0 {
			continue
		}
		labels[code] = class.Labels
	}
	e.classLabels = labels
}

// Language returns the extractor's target language.
func (e *Extractor) Language() string { return e.language }

// Format renders a single typed feature as a display string. The second
// return value is false when the feature produces no output: flagged not
// applicable, carrying no value, or of an unknown type.
func (e *Extractor) Format(feature domain.Feature) (string, bool) {
	if feature.NotApplicable {
		return "", false
	}

	switch feature.Type {
	case domain.FeatureAlphanumeric:
		if feature.Value == nil {
			return "", false
		}
		if text, ok := PickText(e.language, feature.Value.Descriptions); ok {
			return text, true
		}
		if feature.Value.Code != "" {
			return feature.Value.Code, true
		}
		return "", false

	case domain.FeatureMultiValue:
		parts := make([]string, 0, len(feature.Values))
		for _, value := range feature.Values {
			if text, ok := PickText(e.language, value.Descriptions); ok {
				parts = append(parts, text)
				continue
			}
			if value.Code != "" {
				parts = append(parts, value.Code)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ", "), true

	case domain.FeatureLogical:
		if feature.Bool == nil {
			return "", false
		}
		return e.boolLabel(*feature.Bool), true

	case domain.FeatureNumeric:
		if feature.Number == nil {
			return "", false
		}
		value := formatNumber(*feature.Number)
		if unit := e.unitLabel(feature.Unit); unit != "" {
			return value + " " + unit, true
		}
		return value, true

	case domain.FeatureRange:
		if feature.Min == nil && feature.Max == nil {
			return "", false
		}
		var value string
		switch {
		case feature.Min != nil && feature.Max != nil:
			value = formatNumber(*feature.Min) + rangeSeparator + formatNumber(*feature.Max)
		case feature.Min != nil:
			value = formatNumber(*feature.Min)
		default:
			value = formatNumber(*feature.Max)
		}
		if unit := e.unitLabel(feature.Unit); unit != "" {
			return value + " " + unit, true
		}
		return value, true

	case domain.FeatureDate:
		if feature.Date == "" {
			return "", false
		}
		// Dates pass through unformatted.
		return feature.Date, true

	case domain.FeatureTextShort, domain.FeatureTextLong, domain.FeatureTextIntl:
		return PickText(e.language, feature.Texts)
	}

	return "", false
}

// Label resolves the display label of a feature: its own translations
// first, then the custom class labels, then the raw code.
func (e *Extractor) Label(feature domain.Feature) string {
	if text, ok := PickText(e.language, feature.Labels); ok {
		return text
	}
	if labels, ok := e.classLabels[feature.Code]; ok {
		if text, ok := PickText(e.language, labels); ok {
			return text
		}
	}
	return feature.Code
}

// Extract merges a product's two feature systems into an ordered display
// feature list. The fixed-vocabulary system is iterated first, so on a code
// collision the first occurrence wins and the fixed system takes
// precedence; that first-wins rule mirrors the upstream behaviour and is a
// deliberate policy choice, not an accident.
func (e *Extractor) Extract(product domain.RemoteProduct) []domain.EntryFeature {
	var out []domain.EntryFeature
	seen := make(map[string]struct{})

	appendFeatures := func(features []domain.Feature) {
		for _, feature := range features {
			code := strings.TrimSpace(feature.Code)
			if code == "" {
				continue
			}
			if _, dup := seen[code]; dup {
				continue
			}
			if !e.allowed(code) {
				continue
			}
			value, ok := e.Format(feature)
			if !ok {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, domain.EntryFeature{
				Code:  code,
				Label: e.Label(feature),
				Value: value,
			})
		}
	}

	appendFeatures(product.Features)
	appendFeatures(product.CustomFeatures)
	return out
}

// FormatByCode renders the first feature with the given code across both
// feature systems. Used by the variant assembler to resolve axis values.
func (e *Extractor) FormatByCode(product domain.RemoteProduct, code string) (string, bool) {
	for _, feature := range product.Features {
		if feature.Code == code {
			return e.Format(feature)
		}
	}
	for _, feature := range product.CustomFeatures {
		if feature.Code == code {
			return e.Format(feature)
		}
	}
	return "", false
}

func (e *Extractor) allowed(code string) bool {
	if _, denied := e.deny[code]; denied {
		return false
	}
	if len(e.allow) == 0 {
		return true
	}
	_, ok := e.allow[code]
	return ok
}

func (e *Extractor) boolLabel(value bool) string {
	labels, ok := boolLabels[baseLanguage(e.language)]
	if !ok {
		labels = boolLabels["en"]
	}
	if value {
		return labels[0]
	}
	return labels[1]
}

func (e *Extractor) unitLabel(unit *domain.Unit) string {
	if unit == nil {
		return ""
	}
	if text, ok := PickText(e.language, unit.Abbreviations); ok {
		return text
	}
	if text, ok := PickText(e.language, unit.Descriptions); ok {
		return text
	}
	return ""
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
