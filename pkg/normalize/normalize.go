// Package normalize provides accent-insensitive text canonicalization for
// fuzzy matching of OCR-extracted French text (insurer names, service
// types, medication labels).
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Fold lowercases, strips diacritics and collapses whitespace, so that
// "Société d'Assurance" and "societe d assurance" compare equal.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// Contains reports whether the folded needle occurs in the folded haystack.
func Contains(haystack, needle string) bool {
	h, n := Fold(haystack), Fold(needle)
	if h == "" || n == "" {
		return false
	}
	return strings.Contains(h, n)
}

// Equal reports whether two strings fold to the same canonical form.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}
