package buffer

import (
	"strings"
	"unicode/utf8"
)

// Sanitize makes text safe to buffer and later serialize as JSON: unpaired
// UTF-16 surrogate halves and disallowed control characters are stripped.
// Terminal escape bytes (ESC), newlines, carriage returns and tabs survive so
// replayed frames still render. If the rune-wise pass panics on pathological
// input, a coarse re-encoding pass is used instead.
func Sanitize(text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = strings.ToValidUTF8(text, "")
		}
	}()
	return sanitizeRunes(text)
}

func sanitizeRunes(text string) string {
	// Fast path: clean text passes through untouched.
	if isClean(text) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if allowed(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isClean(text string) bool {
	if !utf8.ValidString(text) {
		return false
	}
	for _, r := range text {
		if !allowed(r) {
			return false
		}
	}
	return true
}

func allowed(r rune) bool {
	if r == utf8.RuneError {
		// Invalid byte sequences decode to RuneError; this is where
		// unpaired surrogate halves smuggled through WTF-8 end up.
		return false
	}
	if r >= 0xD800 && r <= 0xDFFF {
		return false
	}
	switch r {
	case '\n', '\r', '\t', 0x1b:
		return true
	}
	if r < 0x20 || r == 0x7f {
		return false
	}
	return true
}
