package registry

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIdentifierLength is the longest identifier Normalize produces. It matches
// PostgreSQL's NAMEDATALEN-1 so a normalized label is never silently
// truncated by the warehouse.
const MaxIdentifierLength = 63

// Normalize turns an arbitrary label into a storage-safe identifier: it is
// lowercased and trimmed, every run of characters that are not letters or
// digits collapses into a single underscore, and leading and trailing
// underscores are dropped.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(label string) string {
	var b strings.Builder
	b.Grow(len(label))

	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	out := b.String()
	if len(out) > MaxIdentifierLength {
		cut := MaxIdentifierLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimRight(out[:cut], "_")
	}
	return out
}
