// Package pagination provides shared helpers for list endpoint parameters.
package pagination

import "strconv"

// ParseLimit parses a "limit" query value, falling back to def when the
// value is missing or malformed and clamping to [1, max].
func ParseLimit(raw string, def, max int) int {
	limit := def
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
