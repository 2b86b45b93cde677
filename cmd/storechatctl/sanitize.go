package main

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitize makes backend-supplied text safe to print: control characters
// (escape sequences included) are dropped, newlines and tabs become spaces.
// Invalid UTF-8 is replaced with U+FFFD.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r), isFormatRune(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isFormatRune reports bidi overrides and isolates, which can reorder what
// the terminal displays.
func isFormatRune(r rune) bool {
	switch {
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	default:
		return false
	}
}
