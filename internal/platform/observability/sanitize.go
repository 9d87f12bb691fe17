package observability

import "strings"

const maxFieldLength = 256

// sanitizeString strips control characters and caps length so header or
// path contents cannot inject log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxFieldLength
	}
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' || r == 0x7f {
			return -1
		}
		return r
	}, value)
	runes := []rune(cleaned)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// SanitizeRoute normalises a route pattern for log fields.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod caps the HTTP method to a sane length.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID caps identifiers before they reach log output.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
