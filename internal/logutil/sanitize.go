package logutil

import (
	"strings"
	"unicode"
)

// MaxPayload bounds how much of a callback payload is written to the log.
const MaxPayload = 512

// SanitizeForLog makes a user-supplied string safe to log: line breaks and
// tabs become spaces and other control characters are dropped, so a value
// cannot forge additional log lines.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Payload sanitizes s and cuts it to MaxPayload bytes.
func Payload(s string) string {
	s = SanitizeForLog(s)
	if len(s) <= MaxPayload {
		return s
	}
	cut := MaxPayload
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
