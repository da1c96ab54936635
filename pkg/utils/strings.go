package utils

import "unicode/utf8"

// TruncateString cuts s to at most max bytes without splitting a UTF-8
// sequence, so a cut never produces a torn rune.
func TruncateString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// TruncateStringTail keeps at most max trailing bytes of s, advancing
// the cut to the next rune boundary.
func TruncateStringTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
