// Package ascii converts between raw instrument bytes and text the way the
// lab devices expect: pure 7-bit ASCII, with anything else replaced rather
// than rejected.
package ascii

import (
	"strings"
	"unicode/utf8"
)

// DecodeReplace decodes b as ASCII. Bytes outside the 7-bit range become
// U+FFFD so a noisy line is still delivered instead of aborting the read.
func DecodeReplace(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}

// EncodeReplace encodes s as ASCII bytes, substituting '?' for any rune the
// device cannot represent.
func EncodeReplace(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
		} else {
			out = append(out, '?')
		}
	}
	return out
}
