package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate upper-cases a VRM and strips everything that is not a letter or digit,
// so "ab12 cde", "AB12-CDE" and "ab12cde" all compare equal.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.TrimSpace(plate) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
