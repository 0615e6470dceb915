// Package sanitize covers both sanitization layers: character-level scrubbing
// of user input before any model sees it, and the LLM pass over external
// content before it crosses into the prompt.
package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ScrubUserText strips invisible and direction-manipulating Unicode from user
// text and NFC-normalizes the result. Runs before any LLM is shown the text.
func ScrubUserText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isInvisible(r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// isInvisible reports whether r is one of the characters used for token
// smuggling or display manipulation: the Tag block, variation selectors, the
// zero-width family, bidi overrides, and remaining format/control characters
// other than ordinary whitespace.
func isInvisible(r rune) bool {
	switch {
	case r >= 0xE0000 && r <= 0xE007F: // Tag block
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r >= 0xE0100 && r <= 0xE01EF: // variation selector supplement
		return true
	case r >= 0x200B && r <= 0x200F: // zero-width family + LRM/RLM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embedding/override
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r == 0x2060 || r == 0xFEFF: // word joiner, BOM
		return true
	case r == '\n' || r == '\r' || r == '\t':
		return false
	case unicode.Is(unicode.Cf, r):
		return true
	case unicode.IsControl(r):
		return true
	}
	return false
}
