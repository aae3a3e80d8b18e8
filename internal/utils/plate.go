package utils

import (
	"strings"
)

// NormalizePlate uppercases a license plate and strips separators so it
// can be used as a path segment and a stable key.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
