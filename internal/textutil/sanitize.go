package textutil

import "strings"

// SanitizeFileName makes a title safe to use as a single path segment.
// Separator-like characters (slashes, colons, asterisks) become dashes so
// word boundaries survive; the remaining reserved characters are dropped.
func SanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*':
			b.WriteByte('-')
		case '?', '"', '<', '>', '|':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
