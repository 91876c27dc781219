package framebuf

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeLatin1 maps every byte to the code point of the same value
// (ISO-8859-1), so binary payloads survive a text-only delivery path.
func DecodeLatin1(p []byte) string {
	ascii := true
	for _, c := range p {
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return string(p)
	}
	out := make([]rune, len(p))
	for i, c := range p {
		out[i] = charmap.ISO8859_1.DecodeByte(c)
	}
	return string(out)
}

// EncodeLatin1 reverses DecodeLatin1. Code points outside ISO-8859-1 are
// replaced with '?'.
func EncodeLatin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}
