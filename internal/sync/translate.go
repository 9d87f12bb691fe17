package sync

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

// PickText selects one localized text for the target language. The policy,
// applied identically for product text, feature labels, unit labels and
// attachment captions: exact tag match first, then a base-language match in
// either direction (target "de" accepts "de-DE" and target "de-DE" accepts
// "de"), then the first entry carrying any text at all.
func PickText(target string, options []domain.LocalizedText) (string, bool) {
	if len(options) == 0 {
		return "", false
	}
	target = strings.TrimSpace(target)

	for _, option := range options {
		if strings.EqualFold(strings.TrimSpace(option.Language), target) && option.Text != "" {
			return option.Text, true
		}
	}

	if base := baseLanguage(target); base != "" {
		for _, option := range options {
			if baseLanguage(option.Language) == base && option.Text != "" {
				return option.Text, true
			}
		}
	}

	for _, option := range options {
		if option.Text != "" {
			return option.Text, true
		}
	}
	return "", false
}

// PickTranslation selects the product translation for the target language
// using the same policy as PickText, judged on the translation's language
// tag alone.
func PickTranslation(target string, translations []domain.Translation) (domain.Translation, bool) {
	if len(translations) == 0 {
		return domain.Translation{}, false
	}
	target = strings.TrimSpace(target)

	for _, t := range translations {
		if strings.EqualFold(strings.TrimSpace(t.Language), target) {
			return t, true
		}
	}

	if base := baseLanguage(target); base != "" {
		for _, t := range translations {
			if baseLanguage(t.Language) == base {
				return t, true
			}
		}
	}

	return translations[0], true
}

// baseLanguage reduces a BCP 47 tag to its two-letter base, tolerating the
// sloppy tags PIM exports tend to carry ("DE", "de_DE", "en-GB").
func baseLanguage(tag string) string {
	tag = strings.TrimSpace(strings.ReplaceAll(tag, "_", "-"))
	if tag == "" {
		return ""
	}
	parsed := language.Make(tag)
	base, confidence := parsed.Base()
	if confidence == language.No {
		return ""
	}
	return strings.ToLower(base.String())
}
