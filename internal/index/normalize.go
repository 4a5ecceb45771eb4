package index

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer produces the form under which identifier tags are stored and queried
type Normalizer struct {
	AccentFolding bool
}

// Normalize upper-cases ASCII letters, trims, maps SQL wildcards to spaces and
// drops control characters. With accent folding, diacritics are removed first.
func (n Normalizer) Normalize(value string) string {
	if n.AccentFolding {
		value = foldAccents(value)
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r == '%' || r == '_':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			// control characters are dropped
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// WildcardToRegexp translates a DICOM glob into an anchored regular expression
func WildcardToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// WildcardToLike translates a DICOM glob into a SQL LIKE pattern. Normalized
// values never contain '%' or '_', so no escaping is needed.
func WildcardToLike(pattern string) string {
	return strings.NewReplacer("*", "%", "?", "_").Replace(pattern)
}

// IsWildcard reports whether value uses the glob syntax
func IsWildcard(value string) bool {
	return strings.ContainsAny(value, "*?")
}
