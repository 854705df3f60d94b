// Package utils provides shared utilities for text, math, and logging.
package utils

import (
	"strings"
	"unicode"
)

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged. Never splits a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// CollapseSpace trims s and collapses every whitespace run into a single space.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
			continue
		}
		b.WriteRune(r)
		wasSpace = false
	}
	return b.String()
}

// Summarize collapses whitespace and limits s to max runes. When truncation happens the
// result ends with "..." and still fits in max runes.
func Summarize(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(CollapseSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	if max < 3 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:max-3])) + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
