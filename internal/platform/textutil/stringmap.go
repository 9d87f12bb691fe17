package textutil

import (
	"sort"
	"strings"
)

// NormalizeStringMap trims keys and values and drops entries whose key
// trims to empty. Language-keyed maps additionally get lowercased keys
// via NormalizeLanguageMap.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// NormalizeLanguageMap normalizes a language-keyed map and returns its
// keys in sorted order for deterministic iteration.
func NormalizeLanguageMap(values map[string]string) (map[string]string, []string) {
	normalized := NormalizeStringMap(values)
	if len(normalized) == 0 {
		return nil, nil
	}
	result := make(map[string]string, len(normalized))
	for key, value := range normalized {
		result[strings.ToLower(key)] = value
	}
	keys := make([]string, 0, len(result))
	for key := range result {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return result, keys
}
