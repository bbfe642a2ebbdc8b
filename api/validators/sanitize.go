package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString trims, collapses inner whitespace runs to one space and caps
// the result at maxRunes runes. Participant names are compared after this, so
// "Alex  " and "Alex" are the same person.
func SanitizeString(input string, maxRunes int) string {
	fields := strings.FieldsFunc(input, unicode.IsSpace)
	out := strings.Join(fields, " ")
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
