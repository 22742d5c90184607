package detect

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases and strips diacritics so that keyword matching is
// case- and accent-insensitive ("Média" and "media" compare equal).
func Fold(s string) string {
	stripped, _, err := transform.String(accentStripper, s)
	if err != nil {
		// Diacritic stripping is best effort; fall back to plain lowercase.
		return strings.ToLower(s)
	}
	return strings.ToLower(stripped)
}
