package membership

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// EscapeMarker prefixes the hex encoding of every byte that is not a
// lowercase ASCII letter or digit.
const EscapeMarker = '-'

const hexDigits = "0123456789abcdef"

// Escape folds identity to lowercase and replaces every byte outside
// [a-z0-9] with EscapeMarker followed by two lowercase hex digits, so
// "User.Name!" becomes "user-2ename-21".
//
// The encoding is reversible after folding, but identities that differ only
// in case map to the same value. That collision is accepted: the result is
// meant for readable label values, not as a unique key.
func Escape(identity string) string {
	folded := cases.Lower(language.Und).String(identity)

	var sb strings.Builder
	sb.Grow(len(folded))
	for i := 0; i < len(folded); i++ {
		c := folded[i]
		if ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte(EscapeMarker)
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	return sb.String()
}
