package sanitize

import (
	"strings"
	"unicode"
)

// Name sanitizes a display name by removing control characters
// and limiting the length.
func Name(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// PathComponent turns an arbitrary path into a safe log-filename
// component: path separators and drive colons become underscores,
// leading underscores are trimmed.
func PathComponent(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return strings.TrimLeft(r.Replace(s), "_")
}
